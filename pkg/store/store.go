// Package store is the data-access object shared by the conversation
// components. It exposes typed CRUD over the persona tables plus a raw query
// escape hatch.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/utils"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Store wraps a connected gorm handle.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New wraps an existing connection.
func New(gdb *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: gdb, logger: utils.OrDiscard(logger)}
}

// Open connects using driver (sqlite, mysql, postgres) and dsn.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	cfg := &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "", "sqlite":
		dialector = sqlite.Open(sqliteDSN(dsn))
	case "mysql":
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "parse mysql dsn")
		}
		mc.ParseTime = true
		dialector = gormmysql.Open(mc.FormatDSN())
	case "postgres", "postgresql":
		sqlDB, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
		dialector = postgres.New(postgres.Config{Conn: sqlDB})
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driver)
	}
	if _, ok := dialector.(*sqlite.Dialector); ok {
		// One writer at a time; queued callers wait instead of failing with SQLITE_BUSY.
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return New(gdb, logger), nil
}

// sqlite serializes writers; busy_timeout keeps concurrent turns from failing fast.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	if strings.Contains(dsn, "_pragma=busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// AutoMigrate creates the persona tables. Only the migrate command calls it.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return errors.Wrap(s.db.WithContext(ctx).AutoMigrate(db.AllModels()...), "auto migrate")
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "ping")
}

// Raw runs an arbitrary query and scans rows into dest.
func (s *Store) Raw(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return errors.Wrap(s.db.WithContext(ctx).Raw(query, args...).Scan(dest).Error, "raw query")
}

// Exec runs an arbitrary statement and returns the affected row count.
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res := s.db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, errors.Wrap(res.Error, "exec")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
