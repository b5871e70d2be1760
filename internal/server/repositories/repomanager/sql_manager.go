// Package repomanager vends repositories bound to a connection or
// transaction and applies the embedded schema migrations with goose. The
// same SQL serves SQLite (modernc) and PostgreSQL (pgx).
package repomanager

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/sshkeeper/internal/dbx"
	"github.com/dmitrijs2005/sshkeeper/internal/server/migrations"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/credentials"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/hosts"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/users"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// SQLRepositoryManager serves both supported drivers; only the goose
// dialect differs.
type SQLRepositoryManager struct {
	driver string
}

func (m *SQLRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return users.NewSQLRepository(db)
}

func (m *SQLRepositoryManager) Hosts(db dbx.DBTX) hosts.Repository {
	return hosts.NewSQLRepository(db)
}

func (m *SQLRepositoryManager) Credentials(db dbx.DBTX) credentials.Repository {
	return credentials.NewSQLRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

func (m *SQLRepositoryManager) dialect() string {
	if m.driver == DriverPostgres {
		return "pgx"
	}
	return "sqlite3"
}

// RunMigrations applies the embedded migrations.
func (m *SQLRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect(m.dialect()); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// NewRepositoryManager returns a manager for driver ("sqlite" or "pgx").
func NewRepositoryManager(driver string) (RepositoryManager, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
		return &SQLRepositoryManager{driver: driver}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// OpenDB opens and pings the database. SQLite connections get foreign
// keys and a busy timeout, and are limited to one writer.
func OpenDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		dsn = "file::memory:"
	} else if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
