package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/lunameter/internal/config"
	"github.com/goodtune/lunameter/internal/storage"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "luna"

// Store implements the storage.Store interface using Redis
type Store struct {
	client       *redis.Client
	ledgerStore  *ledgerStore
	sessionStore *sessionStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client:       client,
		ledgerStore:  &ledgerStore{client: client},
		sessionStore: &sessionStore{client: client},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ledger returns the LedgerStore implementation
func (s *Store) Ledger() storage.LedgerStore {
	return s.ledgerStore
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

func balanceKey(userID string) string { return fmt.Sprintf("%s:balance:%s", keyPrefix, userID) }
func txnKey(id string) string { return fmt.Sprintf("%s:txn:%s", keyPrefix, id) }
func userTxnsKey(userID string) string { return fmt.Sprintf("%s:txns:user:%s", keyPrefix, userID) }
func idempotencyKey(key string) string { return fmt.Sprintf("%s:idem:%s", keyPrefix, key) }
func sessionKey(id string) string { return fmt.Sprintf("%s:session:%s", keyPrefix, id) }
func openSessionsKey() string { return keyPrefix + ":sessions:open" }
func userOpenKey(userID string) string { return fmt.Sprintf("%s:sessions:open:user:%s", keyPrefix, userID) }
func userSessionsKey(userID string) string { return fmt.Sprintf("%s:sessions:user:%s", keyPrefix, userID) }
func turnsKey(sessionID string) string { return fmt.Sprintf("%s:turns:%s", keyPrefix, sessionID) }
