package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Dialect names a database/sql driver the run history can live in.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// DB wraps a SQL connection with the run-history schema applied.
type DB struct {
	conn    *sql.DB
	dialect Dialect
}

// OpenSQLite opens (or creates) the SQLite file at path.
func OpenSQLite(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create db directory")
	}
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One writer at a time, or SQLite answers SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	return newDB(conn, DialectSQLite)
}

// OpenSQL opens a MySQL or Postgres server. MySQL DSNs need parseTime=true.
func OpenSQL(dialect Dialect, dsn string) (*DB, error) {
	conn, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dialect)
	}
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(10 * time.Minute)
	return newDB(conn, dialect)
}

func newDB(conn *sql.DB, dialect Dialect) (*DB, error) {
	db := &DB{conn: conn, dialect: dialect}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) timeType() string {
	switch db.dialect {
	case DialectMySQL:
		return "DATETIME(6)"
	case DialectPostgres:
		return "TIMESTAMPTZ"
	default:
		return "DATETIME"
	}
}

func (db *DB) migrate() error {
	ts := db.timeType()
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS run_logs (
			id VARCHAR(36) PRIMARY KEY,
			job VARCHAR(32) NOT NULL,
			school_year VARCHAR(16) NOT NULL DEFAULT '',
			started_at ` + ts + ` NOT NULL,
			finished_at ` + ts + ` NOT NULL,
			status VARCHAR(16) NOT NULL,
			succeeded INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			failures TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_job ON run_logs(job, started_at)`,
	}
	if db.dialect == DialectMySQL {
		// MySQL has no CREATE INDEX IF NOT EXISTS.
		migrations[1] = `CREATE INDEX idx_run_logs_job ON run_logs(job, started_at)`
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			if strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return errors.Wrapf(err, "migration failed: %s", m[:40])
		}
	}
	return nil
}

// rebind rewrites ? placeholders for drivers that number their parameters.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
