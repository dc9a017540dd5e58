// Package cache fronts a ClientRegistry with Redis. Client metadata is
// immutable reference data, so entries only expire by TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"w3bauth.org/internal/consent"
	"w3bauth.org/internal/obs"
)

const (
	defaultPrefix = "siwe:client:"
	defaultTTL    = 5 * time.Minute
)

var _ consent.ClientRegistry = (*Clients)(nil)

// Config captures connection options.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Clients is a read-through cache. Unknown clients are not cached, and any
// Redis failure falls back to the wrapped registry.
type Clients struct {
	next   consent.ClientRegistry
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type cachedClient struct {
	Name string `json:"name"`
	Logo string `json:"logo"`
}

// NewClients connects to Redis and verifies it answers PING.
func NewClients(ctx context.Context, next consent.ClientRegistry, cfg Config) (*Clients, error) {
	if next == nil {
		return nil, errors.New("cache: registry is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("cache: redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Clients{next: next, client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *Clients) key(clientID string) string {
	return c.prefix + clientID
}

func (c *Clients) LookupClient(ctx context.Context, clientID string) (consent.ClientApplication, error) {
	raw, err := c.client.Get(ctx, c.key(clientID)).Bytes()
	switch {
	case err == nil:
		var cc cachedClient
		if err := json.Unmarshal(raw, &cc); err == nil {
			return consent.ClientApplication{ClientID: clientID, Name: cc.Name, Logo: cc.Logo}, nil
		}
		obs.Logger().Warn("discarding corrupt client cache entry", zap.String("client_id", clientID))
	case errors.Is(err, redis.Nil):
	default:
		obs.Logger().Warn("client cache read failed", zap.String("client_id", clientID), zap.Error(err))
	}

	app, err := c.next.LookupClient(ctx, clientID)
	if err != nil {
		return consent.ClientApplication{}, err
	}
	data, err := json.Marshal(cachedClient{Name: app.Name, Logo: app.Logo})
	if err == nil {
		if err := c.client.Set(ctx, c.key(clientID), data, c.ttl).Err(); err != nil {
			obs.Logger().Warn("client cache write failed", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	return app, nil
}

// Ping reports whether Redis is reachable.
func (c *Clients) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Clients) Close() error {
	return c.client.Close()
}
