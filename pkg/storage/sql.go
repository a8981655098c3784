package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/datasafe"
)

const (
	defaultReadQuery   = "SELECT data FROM datasafe_blob WHERE location = ?"
	defaultDeleteQuery = "DELETE FROM datasafe_blob WHERE location = ?"
	defaultInsertQuery = "INSERT INTO datasafe_blob (location, data) VALUES (?, ?)"
	defaultExistsQuery = "SELECT COUNT(*) FROM datasafe_blob WHERE location = ?"
	defaultListQuery   = "SELECT location FROM datasafe_blob WHERE location LIKE ? ESCAPE '!' AND location > ? ORDER BY location"

	// DefaultListPageSize is the number of locations fetched per round trip while listing.
	DefaultListPageSize = 100
)

var (
	// Verify SQL implements the Storage interface.
	_ datasafe.Storage = (*SQL)(nil)

	readSQLTimer   = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.sql.read", datasafe.MetricsPrefix), nil)
	writeSQLTimer  = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.sql.write", datasafe.MetricsPrefix), nil)
	listSQLTimer   = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.sql.list", datasafe.MetricsPrefix), nil)
	removeSQLTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.sql.remove", datasafe.MetricsPrefix), nil)
)

// DBType identifies a specific database/sql driver family.
type DBType string

const (
	Postgres DBType = "postgres"
	Oracle   DBType = "oracle"
	MySQL    DBType = "mysql"

	DefaultDBType = MySQL
)

var qrx = regexp.MustCompile(`\?`)

// q converts "?" characters to $1, $2, $n on postgres, :1, :2, :n on Oracle.
func (t DBType) q(query string) string {
	var pref string

	//nolint:exhaustive
	switch t {
	case Postgres:
		pref = "$"
	case Oracle:
		pref = ":"
	default:
		return query
	}

	n := 0

	return qrx.ReplaceAllStringFunc(query, func(string) string {
		n++
		return pref + strconv.Itoa(n)
	})
}

// limit appends the dialect specific row limit clause.
func (t DBType) limit(query string, n int) string {
	if t == Oracle {
		return fmt.Sprintf("%s FETCH FIRST %d ROWS ONLY", query, n)
	}

	return fmt.Sprintf("%s LIMIT %d", query, n)
}

// SQLOption is used to configure additional options in a SQL storage.
type SQLOption func(*SQL)

// WithDBType configures the storage for use with the specified family of database/sql drivers such as
// Postgres, Oracle, or MySQL (default).
func WithDBType(t DBType) SQLOption {
	return func(s *SQL) {
		s.dbType = t
	}
}

// WithListPageSize sets the number of locations fetched per query while listing.
func WithListPageSize(n int) SQLOption {
	return func(s *SQL) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// SQL stores objects as rows of a relational table. The expected schema is
//
//	CREATE TABLE datasafe_blob (
//	  location VARCHAR(1024) COLLATE utf8mb4_bin NOT NULL PRIMARY KEY,
//	  data     LONGBLOB      NOT NULL
//	);
//
// Locations are case-sensitive, so the location column needs a binary collation. Under a case-insensitive
// collation the locations of users "jane" and "Jane" share rows and LIKE prefixes.
//
// Objects are buffered in memory until the writer is closed and then replaced within a transaction.
type SQL struct {
	db *sql.DB

	dbType   DBType
	pageSize int

	readQuery   string
	deleteQuery string
	insertQuery string
	existsQuery string
	listQuery   string
}

// NewSQL returns a new SQL storage using the provided connection.
func NewSQL(db *sql.DB, opts ...SQLOption) *SQL {
	s := &SQL{
		db:       db,
		dbType:   DefaultDBType,
		pageSize: DefaultListPageSize,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.readQuery = s.dbType.q(defaultReadQuery)
	s.deleteQuery = s.dbType.q(defaultDeleteQuery)
	s.insertQuery = s.dbType.q(defaultInsertQuery)
	s.existsQuery = s.dbType.q(defaultExistsQuery)
	s.listQuery = s.dbType.limit(s.dbType.q(defaultListQuery), s.pageSize)

	return s
}

// OpenMySQL opens a MySQL connection for the given DSN and returns a SQL storage using it.
func OpenMySQL(dsn string, opts ...SQLOption) (*SQL, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}

	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}

	return NewSQL(db, append([]SQLOption{WithDBType(MySQL)}, opts...)...), nil
}

// DB returns the underlying connection.
func (s *SQL) DB() *sql.DB {
	return s.db
}

// Read loads the object at location.
func (s *SQL) Read(ctx context.Context, location string) (io.ReadCloser, error) {
	defer readSQLTimer.UpdateSince(time.Now())

	var data []byte

	if err := s.db.QueryRowContext(ctx, s.readQuery, location).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", datasafe.ErrNotFound, location)
		}

		return nil, failure(err, "read", location)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Write returns a writer that replaces the row for location when closed.
func (s *SQL) Write(ctx context.Context, location string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure(err, "write", location)
	}

	return newBufferedWriter(func(data []byte) error {
		defer writeSQLTimer.UpdateSince(time.Now())

		if err := s.replace(ctx, location, data); err != nil {
			return failure(err, "write", location)
		}

		return nil
	}), nil
}

func (s *SQL) replace(ctx context.Context, location string, data []byte) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.deleteQuery, location); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, s.insertQuery, location, data); err != nil {
		return err
	}

	return tx.Commit()
}

// escapeLike escapes LIKE wildcards using '!' as the escape character.
func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

	return r.Replace(s)
}

// List pages through matching locations in ascending order. Rows are not held open between pages.
func (s *SQL) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer listSQLTimer.UpdateSince(time.Now())

		pattern := escapeLike(prefix) + "%"
		after := ""

		for {
			page, err := s.listPage(ctx, pattern, after)
			if err != nil {
				yield("", failure(err, "list", prefix))
				return
			}

			for _, loc := range page {
				if !yield(loc, nil) {
					return
				}
			}

			if len(page) < s.pageSize {
				return
			}

			after = page[len(page)-1]
		}
	}
}

func (s *SQL) listPage(ctx context.Context, pattern, after string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.listQuery, pattern, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := make([]string, 0, s.pageSize)

	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, err
		}

		page = append(page, loc)
	}

	return page, rows.Err()
}

// Remove deletes the row for location.
func (s *SQL) Remove(ctx context.Context, location string) error {
	defer removeSQLTimer.UpdateSince(time.Now())

	if _, err := s.db.ExecContext(ctx, s.deleteQuery, location); err != nil {
		return failure(err, "remove", location)
	}

	return nil
}

// Exists reports whether a row exists for location.
func (s *SQL) Exists(ctx context.Context, location string) (bool, error) {
	var n int64

	if err := s.db.QueryRowContext(ctx, s.existsQuery, location).Scan(&n); err != nil {
		return false, failure(err, "exists", location)
	}

	return n > 0, nil
}
