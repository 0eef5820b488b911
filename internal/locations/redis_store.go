package locations

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/provider-matching/internal/geomath"
	"github.com/example/provider-matching/internal/models"
)

// RedisStore implements Store on Redis GEO commands plus a metadata hash
// per provider, for deployments where several gateway processes need to
// share the location index.
type RedisStore struct {
	client     *redis.Client
	key        string
	staleAfter time.Duration
	catalog    Catalog
}

func NewRedisStore(client *redis.Client, key string, staleAfter time.Duration, catalog Catalog) *RedisStore {
	return &RedisStore{client: client, key: key, staleAfter: staleAfter, catalog: catalog}
}

func metaKey(providerID string) string { return "provider:meta:" + providerID }

func (s *RedisStore) Upsert(ctx context.Context, providerID string, loc models.Coord) error {
	if !geomath.ValidCoord(loc) {
		return models.ErrInvalidCoordinates
	}
	if err := s.client.GeoAdd(ctx, s.key, &redis.GeoLocation{
		Name:      providerID,
		Longitude: loc.Lng,
		Latitude:  loc.Lat,
	}).Err(); err != nil {
		return err
	}
	return s.client.HSet(ctx, metaKey(providerID), map[string]interface{}{
		"available": "true",
		"updated":   strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Err()
}

func (s *RedisStore) SetAvailability(ctx context.Context, providerID string, available bool) error {
	n, err := s.client.Exists(ctx, metaKey(providerID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return s.client.HSet(ctx, metaKey(providerID), "available", strconv.FormatBool(available)).Err()
}

func (s *RedisStore) Remove(ctx context.Context, providerID string) error {
	if err := s.client.ZRem(ctx, s.key, providerID).Err(); err != nil {
		return err
	}
	return s.client.Del(ctx, metaKey(providerID)).Err()
}

func (s *RedisStore) Get(ctx context.Context, providerID string) (models.ProviderPresence, error) {
	pos, err := s.client.GeoPos(ctx, s.key, providerID).Result()
	if err != nil {
		return models.ProviderPresence{}, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.ProviderPresence{}, models.ErrNotFound
	}
	m, err := s.client.HGetAll(ctx, metaKey(providerID)).Result()
	if err != nil {
		return models.ProviderPresence{}, err
	}
	e := models.ProviderPresence{
		ProviderID: providerID,
		Loc:        models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude},
		Available:  m["available"] == "true",
	}
	if ms, err := strconv.ParseInt(m["updated"], 10, 64); err == nil {
		e.Updated = time.UnixMilli(ms)
	}
	return e, nil
}

func (s *RedisStore) FindWithin(ctx context.Context, center models.Coord, radiusKm float64, serviceID string) ([]models.Candidate, error) {
	if !geomath.ValidCoord(center) {
		return nil, models.ErrInvalidCoordinates
	}
	res, err := s.client.GeoSearchLocation(ctx, s.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		if !s.usable(ctx, g.Name) {
			continue
		}
		if serviceID != "" && s.catalog != nil {
			offers, err := s.catalog.OffersService(ctx, g.Name, serviceID)
			if err != nil || !offers {
				continue
			}
		}
		out = append(out, models.Candidate{
			ProviderID: g.Name,
			Loc:        models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}

func (s *RedisStore) Snapshot(ctx context.Context) ([]models.ProviderPresence, error) {
	ids, err := s.client.ZRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.ProviderPresence, 0, len(ids))
	for _, id := range ids {
		if !s.usable(ctx, id) {
			continue
		}
		pos, err := s.client.GeoPos(ctx, s.key, id).Result()
		if err != nil || len(pos) == 0 || pos[0] == nil {
			continue
		}
		out = append(out, models.ProviderPresence{
			ProviderID: id,
			Loc:        models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude},
			Available:  true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

// usable checks the metadata hash: available and recently updated.
func (s *RedisStore) usable(ctx context.Context, providerID string) bool {
	m, err := s.client.HGetAll(ctx, metaKey(providerID)).Result()
	if err != nil || m["available"] != "true" {
		return false
	}
	if s.staleAfter > 0 {
		ms, err := strconv.ParseInt(m["updated"], 10, 64)
		if err != nil {
			return false
		}
		if time.Since(time.UnixMilli(ms)) > s.staleAfter {
			return false
		}
	}
	return true
}
