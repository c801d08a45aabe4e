// Package dbpool owns the PostgreSQL connection pool shared by the store and
// anything else that needs the database.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/CedrosPay/tokenpay/internal/config"
	_ "github.com/lib/pq" // PostgreSQL driver
)

const connectTimeout = 10 * time.Second

// SharedPool wraps one *sql.DB.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and pings the database, then applies pool limits.
func NewSharedPool(ctx context.Context, connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("postgres connection string is empty")
	}
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)
	return &SharedPool{db: db}, nil
}

// DB returns the pool.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Stats reports pool usage for the health endpoint.
func (p *SharedPool) Stats() map[string]int {
	s := p.db.Stats()
	return map[string]int{
		"open":    s.OpenConnections,
		"inUse":   s.InUse,
		"idle":    s.Idle,
		"maxOpen": s.MaxOpenConnections,
	}
}

// Close closes the pool. Call once at shutdown.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
