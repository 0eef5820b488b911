package presence

import (
	"errors"
	"testing"

	"github.com/example/provider-matching/internal/models"
)

type fakeSender struct {
	frames []Frame
	closed bool
}

func (f *fakeSender) Send(event string, data any) error {
	f.frames = append(f.frames, Frame{Event: event, Data: data})
	return nil
}

func (f *fakeSender) Close() error { f.closed = true; return nil }

func TestRegisterReplacesPriorHandle(t *testing.T) {
	r := NewRegistry()
	first, second := &fakeSender{}, &fakeSender{}

	if replaced := r.Register("u1", first); replaced != nil {
		t.Fatalf("fresh register replaced %v", replaced)
	}
	if replaced := r.Register("u1", second); replaced != first {
		t.Fatalf("expected first handle back, got %v", replaced)
	}
	got, ok := r.Lookup("u1")
	if !ok || got != second {
		t.Fatalf("lookup returned %v, want second handle", got)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	s := &fakeSender{}
	r.Register("u1", s)

	r.Unregister("u1", s)
	if r.Connected("u1") {
		t.Fatal("still connected after unregister")
	}
	// second call is a no-op, not an error
	r.Unregister("u1", s)
	r.Unregister("never-registered", nil)
}

func TestStaleConnCannotEvictReplacement(t *testing.T) {
	r := NewRegistry()
	stale, fresh := &fakeSender{}, &fakeSender{}
	r.Register("u1", stale)
	r.Register("u1", fresh)

	// the old connection's teardown must not remove the new handle
	r.Unregister("u1", stale)
	got, ok := r.Lookup("u1")
	if !ok || got != fresh {
		t.Fatalf("replacement evicted, lookup = %v ok=%v", got, ok)
	}
}

func TestSendOfflineRecipient(t *testing.T) {
	r := NewRegistry()
	if err := r.Send("ghost", "message:receive", nil); !errors.Is(err, models.ErrRecipientOffline) {
		t.Fatalf("err = %v, want ErrRecipientOffline", err)
	}
}

func TestBroadcastReachesAll(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeSender{}, &fakeSender{}
	r.Register("a", a)
	r.Register("b", b)

	r.Broadcast("providers:active", []string{})
	if len(a.frames) != 1 || len(b.frames) != 1 {
		t.Fatalf("broadcast frames: a=%d b=%d, want 1 each", len(a.frames), len(b.frames))
	}
	if a.frames[0].Event != "providers:active" {
		t.Fatalf("event = %s", a.frames[0].Event)
	}
}
