package quota

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
	"github.com/keithlinneman/linnemanlabs-pages/internal/quota/migrations"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore keeps usage in a quota_usage table on sqlite or postgres.
type SQLStore struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
}

// OpenSQL opens the database for driver, applies pending migrations and
// returns a ready store. For sqlite, dsn is a file path.
func OpenSQL(ctx context.Context, driver, dsn string, logger log.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = log.Nop()
	}

	var sqlDriver, dialect string
	switch driver {
	case DriverSQLite:
		sqlDriver, dialect = "sqlite", "sqlite3"
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
		sqlDriver, dialect = "pgx", "postgres"
	default:
		return nil, xerrors.Newf("unknown quota driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "open quota database")
	}
	if driver == DriverSQLite {
		// one writer avoids SQLITE_BUSY between pooled connections
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(err, "ping quota database")
	}
	if err := migrate(ctx, db, dialect, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, postgres: driver == DriverPostgres, now: time.Now}, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func migrate(ctx context.Context, db *sql.DB, dialect string, logger log.Logger) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{l: logger})
	if err := goose.SetDialect(dialect); err != nil {
		return xerrors.Wrap(err, "set migration dialect")
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return xerrors.Wrap(err, "apply quota migrations")
	}
	return nil
}

func (s *SQLStore) Usage(ctx context.Context, user string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT usage_bytes FROM quota_usage WHERE user_id = ?`), user).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrapf(err, "read usage for %q", user)
	}
	return n, nil
}

func (s *SQLStore) SetUsage(ctx context.Context, user string, bytes int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO quota_usage (user_id, usage_bytes, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET usage_bytes = excluded.usage_bytes, updated_at = excluded.updated_at
	`), user, bytes, s.now().Unix())
	if err != nil {
		return xerrors.Wrapf(err, "write usage for %q", user)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if !s.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// gooseLogger routes migration output through the service logger.
type gooseLogger struct{ l log.Logger }

func (g gooseLogger) Printf(format string, v ...any) {
	g.l.Info(context.Background(), strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.l.Error(context.Background(), xerrors.Newf(format, v...), "migration failure")
}
