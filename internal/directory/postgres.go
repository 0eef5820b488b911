package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/provider-matching/internal/models"
)

// Postgres reads the marketplace profile/catalog tables. Read-only
// queries against data owned by the CRUD services.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Name(ctx context.Context, principalID string) (string, error) {
	var name string
	err := p.db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = $1`, principalID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("principal %s: %w", principalID, models.ErrNotFound)
	}
	return name, err
}

func (p *Postgres) OffersService(ctx context.Context, providerID, serviceID string) (bool, error) {
	var offers bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM provider_services WHERE provider_id = $1 AND service_id = $2)`,
		providerID, serviceID).Scan(&offers)
	return offers, err
}

func (p *Postgres) Rating(ctx context.Context, providerID string) (float64, error) {
	var rating sql.NullFloat64
	err := p.db.QueryRowContext(ctx,
		`SELECT AVG(rating) FROM reviews WHERE provider_id = $1`, providerID).Scan(&rating)
	if err != nil {
		return 0, err
	}
	return rating.Float64, nil
}

func (p *Postgres) ServiceBasePrice(ctx context.Context, serviceID string) (float64, error) {
	var price float64
	err := p.db.QueryRowContext(ctx, `SELECT base_price FROM services WHERE id = $1`, serviceID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("service %s: %w", serviceID, models.ErrNotFound)
	}
	return price, err
}
