// Package sqlite is a single-file consent store for development and small
// deployments. It runs the same upsert statement as the PostgreSQL store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"w3bauth.org/internal/consent"
)

var (
	_ consent.ClientRegistry = (*Store)(nil)
	_ consent.Store          = (*Store)(nil)
)

var schema = []string{
	`create table if not exists clients (
		client_id text primary key,
		name      text not null,
		logo      text not null default ''
	)`,
	`create table if not exists user_clients (
		user_address text not null,
		client_id    text not null,
		providers    text not null,
		created_at   integer not null,
		updated_at   integer not null,
		primary key (user_address, client_id)
	)`,
}

// Store keeps clients and consent records in SQLite. Timestamps are stored
// as unix nanoseconds.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens dsn (a file path or "file::memory:") and creates the schema.
// SQLite serializes writers, so the pool is pinned to one connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if _, err := db.ExecContext(ctx, `pragma busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// PutClient registers or replaces client metadata.
func (s *Store) PutClient(ctx context.Context, c consent.ClientApplication) error {
	_, err := s.db.ExecContext(ctx, `
		insert into clients (client_id, name, logo) values (?, ?, ?)
		on conflict (client_id) do update set name = excluded.name, logo = excluded.logo
	`, c.ClientID, c.Name, c.Logo)
	return err
}

func (s *Store) LookupClient(ctx context.Context, clientID string) (consent.ClientApplication, error) {
	c := consent.ClientApplication{ClientID: clientID}
	err := s.db.QueryRowContext(ctx,
		`select name, logo from clients where client_id = ?`, clientID,
	).Scan(&c.Name, &c.Logo)
	if errors.Is(err, sql.ErrNoRows) {
		return consent.ClientApplication{}, consent.ErrNotFound
	}
	if err != nil {
		return consent.ClientApplication{}, err
	}
	return c, nil
}

func (s *Store) UpsertConsent(ctx context.Context, userAddress, clientID string, providers []string) error {
	if providers == nil {
		providers = []string{}
	}
	raw, err := json.Marshal(providers)
	if err != nil {
		return fmt.Errorf("marshal providers: %w", err)
	}
	now := s.now().UTC().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		insert into user_clients (user_address, client_id, providers, created_at, updated_at)
		values (?, ?, ?, ?, ?)
		on conflict (user_address, client_id) do update
		set providers = excluded.providers, updated_at = excluded.updated_at
	`, userAddress, clientID, string(raw), now, now)
	return err
}

func (s *Store) Consent(ctx context.Context, userAddress, clientID string) (consent.Record, error) {
	rec := consent.Record{UserAddress: userAddress, ClientID: clientID}
	var (
		raw              string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		select providers, created_at, updated_at
		from user_clients
		where user_address = ? and client_id = ?
	`, userAddress, clientID).Scan(&raw, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return consent.Record{}, consent.ErrNotFound
	}
	if err != nil {
		return consent.Record{}, err
	}
	if err := json.Unmarshal([]byte(raw), &rec.Providers); err != nil {
		return consent.Record{}, fmt.Errorf("decode providers: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}
