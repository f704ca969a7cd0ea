package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/noah-isme/sma-enterprise-core/pkg/config"
)

const pingTimeout = 5 * time.Second

// DSN renders the lib/pq keyword/value connection string for cfg.
func DSN(cfg config.DatabaseConfig) string {
	parts := []string{
		"host=" + quoteValue(cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		"user=" + quoteValue(cfg.User),
		"password=" + quoteValue(cfg.Password),
		"dbname=" + quoteValue(cfg.Name),
		"sslmode=" + quoteValue(cfg.SSLMode),
	}
	if cfg.ApplicationName != "" {
		parts = append(parts, "application_name="+quoteValue(cfg.ApplicationName))
	}
	if cfg.StatementTimeout > 0 {
		parts = append(parts, fmt.Sprintf("statement_timeout=%d", cfg.StatementTimeout.Milliseconds()))
	}
	return strings.Join(parts, " ")
}

// NewPostgres opens the pool and verifies it with a bounded ping.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	db.SetConnMaxIdleTime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return db, nil
}

// quoteValue escapes a keyword/value parameter when it is empty or holds spaces or quotes.
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
