package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"investment-settlement/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns int32
	MinConns int32
}

// DSN returns the key/value connection string for cfg
func (cfg Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	return Connect(context.Background(), cfg.DSN(), cfg.MaxConns, cfg.MinConns)
}

// Connect opens a pool on dsn and pings it. Zero pool sizes use defaults.
func Connect(ctx context.Context, dsn string, maxConns, minConns int32) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	if minConns > 0 && minConns <= poolConfig.MaxConns {
		poolConfig.MinConns = minConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", mapError(err))
	}

	log := logging.Default()
	log.Info().
		Str("database", poolConfig.ConnConfig.Database).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("Connected to PostgreSQL")

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log := logging.Default()
		log.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	log := logging.Default()
	log.Info().Msg("Running database migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			roi_percent NUMERIC(20, 8) NOT NULL CHECK (roi_percent >= 0),
			min_amount NUMERIC(20, 8) NOT NULL DEFAULT 0,
			duration_days INTEGER NOT NULL CHECK (duration_days > 0),
			auto_payout BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS wallets (
			user_id TEXT PRIMARY KEY,
			balance NUMERIC(20, 8) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			locked_balance NUMERIC(20, 8) NOT NULL DEFAULT 0 CHECK (locked_balance >= 0),
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS reward_wallets (
			user_id TEXT PRIMARY KEY,
			balance NUMERIC(20, 8) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS reward_wallet_entries (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL REFERENCES reward_wallets(user_id),
			type VARCHAR(6) NOT NULL,
			amount NUMERIC(20, 8) NOT NULL CHECK (amount > 0),
			reason TEXT NOT NULL,
			investment_id TEXT,
			date TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reward_wallet_entries_user ON reward_wallet_entries(user_id, seq)`,

		// plan_id carries no foreign key: a missing plan is a reportable
		// anomaly, not something the schema hides
		`CREATE TABLE IF NOT EXISTS investments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			amount NUMERIC(20, 8) NOT NULL CHECK (amount > 0),
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			last_payout_date TIMESTAMPTZ NOT NULL,
			earning NUMERIC(20, 8) NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_status ON investments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_user ON investments(user_id)`,

		`CREATE TABLE IF NOT EXISTS referrals (
			id TEXT PRIMARY KEY,
			referred_by TEXT NOT NULL,
			referred_user TEXT NOT NULL UNIQUE,
			is_commission_given BOOLEAN NOT NULL DEFAULT FALSE,
			commission_percent NUMERIC(20, 8) NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referrals_referred_by ON referrals(referred_by)`,

		`CREATE TABLE IF NOT EXISTS referral_transactions (
			id TEXT PRIMARY KEY,
			referrer_id TEXT NOT NULL,
			referred_user_id TEXT NOT NULL,
			investment_id TEXT NOT NULL,
			amount NUMERIC(20, 8) NOT NULL,
			level SMALLINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (referrer_id, referred_user_id, investment_id, level)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referral_transactions_investment ON referral_transactions(investment_id)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			type VARCHAR(30) NOT NULL,
			amount NUMERIC(20, 8) NOT NULL CHECK (amount >= 0),
			transaction_type VARCHAR(6) NOT NULL,
			status VARCHAR(20) NOT NULL,
			investment_id TEXT,
			address TEXT,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, seq)`,
		`ALTER TABLE transactions ADD COLUMN IF NOT EXISTS address TEXT`,
		`ALTER TABLE transactions ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0`,
		`ALTER TABLE transactions ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions(type, seq) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_investment ON transactions(investment_id)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind VARCHAR(50) NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, mapError(err))
		}
	}

	log.Info().Int("statements", len(migrations)).Msg("Database migrations completed")
	return nil
}
