package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/apperr"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
)

type Config struct {
	Dialect      gorm.Dialector
	Clock        clock.Clock
	Logger       zerolog.Logger
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type ConfigOpt func(*Config)

func NewDefaultConfig() *Config {
	return &Config{
		Dialect:      sqlite.Open("file::memory:"),
		Clock:        clock.New(),
		Logger:       zerolog.Nop(),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		AutoMigrate:  true,
	}
}

func WithDialect(d gorm.Dialector) ConfigOpt {
	return func(c *Config) { c.Dialect = d }
}

func WithClock(clk clock.Clock) ConfigOpt {
	return func(c *Config) { c.Clock = clk }
}

func WithLogger(l zerolog.Logger) ConfigOpt {
	return func(c *Config) { c.Logger = l }
}

func WithPool(maxOpen, maxIdle int) ConfigOpt {
	return func(c *Config) {
		c.MaxOpenConns = maxOpen
		c.MaxIdleConns = maxIdle
	}
}

// Dialector picks a gorm dialect from a driver name. In-memory sqlite is
// limited to one connection by the caller since every new connection would
// open an empty database.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "sqlite", "":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

type Store struct {
	db    *gorm.DB
	clock clock.Clock
}

func New(opts ...ConfigOpt) (*Store, error) {
	cfg := NewDefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := gorm.Open(cfg.Dialect, &gorm.Config{
		Logger:  newGormLogger(cfg.Logger),
		NowFunc: func() time.Time { return cfg.Clock.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(model.All()...); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &Store{db: db, clock: cfg.Clock}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DB exposes the underlying handle for seeding in tests and scripts.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, apperr.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
