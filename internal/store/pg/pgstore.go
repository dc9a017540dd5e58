package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"w3bauth.org/internal/consent"
)

var (
	_ consent.ClientRegistry = (*Store)(nil)
	_ consent.Store          = (*Store)(nil)
)

// Store is the PostgreSQL client registry and consent store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle, e.g. one from sqlmock.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) LookupClient(ctx context.Context, clientID string) (consent.ClientApplication, error) {
	c := consent.ClientApplication{ClientID: clientID}
	var logo sql.NullString
	err := s.db.QueryRowContext(ctx,
		`select name, logo from clients where client_id = $1`, clientID,
	).Scan(&c.Name, &logo)
	if errors.Is(err, sql.ErrNoRows) {
		return consent.ClientApplication{}, consent.ErrNotFound
	}
	if err != nil {
		return consent.ClientApplication{}, err
	}
	c.Logo = logo.String
	return c, nil
}

// UpsertConsent writes the providers in one statement; the row lock taken by
// "on conflict do update" serializes concurrent writers for the same key.
func (s *Store) UpsertConsent(ctx context.Context, userAddress, clientID string, providers []string) error {
	if providers == nil {
		providers = []string{}
	}
	raw, err := json.Marshal(providers)
	if err != nil {
		return fmt.Errorf("marshal providers: %w", err)
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		insert into user_clients (user_address, client_id, providers, created_at, updated_at)
		values ($1, $2, $3::jsonb, $4, $4)
		on conflict (user_address, client_id) do update
		set providers = excluded.providers, updated_at = excluded.updated_at
	`, userAddress, clientID, string(raw), now)
	return err
}

func (s *Store) Consent(ctx context.Context, userAddress, clientID string) (consent.Record, error) {
	rec := consent.Record{UserAddress: userAddress, ClientID: clientID}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		select providers, created_at, updated_at
		from user_clients
		where user_address = $1 and client_id = $2
	`, userAddress, clientID).Scan(&raw, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return consent.Record{}, consent.ErrNotFound
	}
	if err != nil {
		return consent.Record{}, err
	}
	if err := json.Unmarshal(raw, &rec.Providers); err != nil {
		return consent.Record{}, fmt.Errorf("decode providers: %w", err)
	}
	return rec, nil
}
