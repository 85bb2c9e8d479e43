// Package sqlstore implements store.Store with gorm. Production runs on MySQL;
// SQLite (pure Go) backs embedded deployments and tests through the same code.
//
// Linearization relies on two conditional updates inside the commit
// transaction: the thread's (version, stage) compare-and-swap and the
// in-flight action claim. Neither takes row locks.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fyrsmithlabs/dealflow/internal/store"
)

// Store is a gorm-backed store.Store.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	maxOpenConns int
	autoMigrate  bool
}

// WithLogger sets the logger used for store diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxOpenConns caps the connection pool.
func WithMaxOpenConns(n int) Option {
	return func(o *options) { o.maxOpenConns = n }
}

// WithoutMigrate skips schema migration on open.
func WithoutMigrate() Option {
	return func(o *options) { o.autoMigrate = false }
}

// OpenMySQL opens a MySQL store. The DSN must set parseTime=true.
func OpenMySQL(dsn string, opts ...Option) (*Store, error) {
	return Open(mysql.Open(dsn), opts...)
}

// OpenSQLite opens a SQLite store at path (":memory:" for a private
// in-memory database). SQLite allows one writer, so the pool is capped at a
// single connection.
func OpenSQLite(path string, opts ...Option) (*Store, error) {
	return Open(sqlite.Open(path), append([]Option{WithMaxOpenConns(1)}, opts...)...)
}

// Open opens a store on any gorm dialector and migrates the schema.
func Open(dialector gorm.Dialector, opts ...Option) (*Store, error) {
	o := options{logger: zap.NewNop(), autoMigrate: true}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if o.maxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(o.maxOpenConns)
	}
	if o.autoMigrate {
		if err := db.AutoMigrate(allModels()...); err != nil {
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}
	return &Store{db: db, logger: o.logger}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
