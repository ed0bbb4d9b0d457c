package db

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

type DB struct {
	sql     *sql.DB
	driver  string
	builder squirrel.StatementBuilderType
	logger  zerolog.Logger
}

// Open connects to the configured SQL engine and waits for it to answer.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*DB, error) {
	var (
		driverName  string
		placeholder squirrel.PlaceholderFormat
	)
	switch opts.Driver {
	case DriverPostgres:
		driverName, placeholder = "pgx", squirrel.Dollar
	case DriverSQLite:
		driverName, placeholder = "sqlite", squirrel.Question
	default:
		return nil, errors.Errorf("unsupported database driver %q", opts.Driver)
	}

	sqlDB, err := sql.Open(driverName, opts.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	switch {
	case opts.Driver == DriverSQLite:
		// sqlite allows one writer; an in-memory database also lives and
		// dies with its connection.
		sqlDB.SetMaxOpenConns(1)
	case opts.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := sqlDB.PingContext(ctx); err != nil {
			logger.Warn().Err(err).Str("driver", opts.Driver).Msg("database not ready")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	return &DB{
		sql:     sqlDB,
		driver:  opts.Driver,
		builder: squirrel.StatementBuilder.PlaceholderFormat(placeholder),
		logger:  logger.With().Str("component", "db").Logger(),
	}, nil
}

// OpenMemory returns a migrated, private in-memory sqlite database.
func OpenMemory(ctx context.Context, logger zerolog.Logger) (*DB, error) {
	d, err := Open(ctx, Options{Driver: DriverSQLite, DSN: ":memory:"}, logger)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "migrations")
	}

	dialect := goose.DialectPostgres
	if d.driver == DriverSQLite {
		dialect = goose.DialectSQLite3
	}

	provider, err := goose.NewProvider(dialect, d.sql, fsys)
	if err != nil {
		return errors.Wrap(err, "goose provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	for _, r := range results {
		d.logger.Info().Int64("version", r.Source.Version).Dur("duration", r.Duration).Msg("applied migration")
	}
	return nil
}

func (d *DB) Driver() string {
	return d.driver
}

func (d *DB) Builder() squirrel.StatementBuilderType {
	return d.builder
}

// Conn runs statements outside any transaction.
func (d *DB) Conn() Querier {
	return d.sql
}

func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.sql.Close()
}

// Get runs a single-row query and scans it into dest. sql.ErrNoRows is
// returned unchanged.
func (d *DB) Get(ctx context.Context, q Querier, b squirrel.Sqlizer, dest ...any) error {
	sqlStr, args, err := d.build(b)
	if err != nil {
		return err
	}
	return Classify(q.QueryRowContext(ctx, sqlStr, args...).Scan(dest...))
}

func (d *DB) Select(ctx context.Context, q Querier, b squirrel.Sqlizer) (*sql.Rows, error) {
	sqlStr, args, err := d.build(b)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return rows, nil
}

func (d *DB) Exec(ctx context.Context, q Querier, b squirrel.Sqlizer) (sql.Result, error) {
	sqlStr, args, err := d.build(b)
	if err != nil {
		return nil, err
	}
	res, err := q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return res, nil
}

// InTx runs fn inside one transaction. fn must issue every statement
// through the Querier it is given.
func (d *DB) InTx(ctx context.Context, fn func(tx Querier) error) (err error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return Classify(errors.Wrap(err, "begin transaction"))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				d.logger.Error().Err(rbErr).Msg("rollback failed")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return Classify(errors.Wrap(err, "commit transaction"))
	}
	return nil
}

func (d *DB) build(b squirrel.Sqlizer) (string, []any, error) {
	sqlStr, args, err := b.ToSql()
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to build SQL query")
		return "", nil, errors.Wrap(err, "build query")
	}
	d.logger.Debug().Str("sql", sqlStr).Interface("args", args).Msg("executing SQL")
	return sqlStr, args, nil
}
