package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver, registered as "sqlite3".
	_ "modernc.org/sqlite"          // Pure Go SQLite driver, registered as "sqlite".
)

// SQLiteStore is the relational Backend.
type SQLiteStore struct {
	db     *sql.DB
	driver string
	path   string

	// writeMu makes StoreAll and Reset single-writer.
	writeMu sync.Mutex

	mu     sync.RWMutex
	ready  bool
	closed bool
}

// OpenSQLite opens (or creates) the database at dbPath through driver
// ("sqlite" or "sqlite3") with WAL mode and a 5-second busy timeout.
// ":memory:" opens a private in-memory database on a single connection.
func OpenSQLite(driver, dbPath string) (*SQLiteStore, error) {
	inMemory := dbPath == ":memory:"
	dsn, err := sqliteDSN(driver, dbPath, inMemory)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("check journal mode: %w", err)
	}
	if !inMemory && !strings.EqualFold(journalMode, "wal") {
		_ = db.Close()
		return nil, fmt.Errorf("expected WAL journal mode, got %q", journalMode)
	}

	return &SQLiteStore{db: db, driver: driver, path: dbPath}, nil
}

func sqliteDSN(driver, dbPath string, inMemory bool) (string, error) {
	switch driver {
	case DriverSQLite:
		if inMemory {
			return "file::memory:?_pragma=busy_timeout(5000)", nil
		}
		return fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath), nil
	case DriverSQLite3:
		if inMemory {
			return "file::memory:?_busy_timeout=5000", nil
		}
		return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", dbPath), nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", driver)
	}
}

// Driver returns the database/sql driver name in use.
func (s *SQLiteStore) Driver() string { return s.driver }

func (s *SQLiteStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if !s.ready {
		return ErrNotInitialized
	}
	return nil
}

// Reset implements Backend.
func (s *SQLiteStore) Reset(ctx context.Context, dropExisting bool) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if dropExisting {
		if _, err := s.db.ExecContext(ctx, dropSchema); err != nil {
			return fmt.Errorf("drop schema: %w", err)
		}
	}
	if err := runMigrations(ctx, s.db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

const insertRecord = `
INSERT INTO versioned_objects (path, version, change, author, date, content, size, mtime)
SELECT ?, COALESCE(?, cur.v + 1, 0), ?, ?, ?, ?, ?, ?
FROM (SELECT MAX(version) AS v, COUNT(*) AS n FROM versioned_objects WHERE path = ?) AS cur
WHERE ? = 0 OR cur.n = 0
RETURNING version`

// StoreAll implements Backend. The batch runs in one transaction; a
// failing record only rolls back its own statement.
func (s *SQLiteStore) StoreAll(ctx context.Context, records []NewRecord, opts StoreOptions) (*StoreResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin store batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertRecord)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	onlyNew := 0
	if opts.OnlyImportNew {
		onlyNew = 1
	}

	now := time.Now()
	res := &StoreResult{Results: make([]RecordResult, len(records))}
	for i, in := range records {
		out := &res.Results[i]
		out.Path = in.Path

		rec, err := prepare(in, now)
		if err != nil {
			out.Err = err
			continue
		}

		var version, content, size, mtime any
		if rec.Version != nil {
			version = *rec.Version
		}
		if rec.Content != nil {
			content = rec.Content
		}
		if rec.Stat != nil {
			size = rec.Stat.Size
			mtime = formatDate(rec.Stat.ModTime)
		}

		err = stmt.QueryRowContext(ctx,
			rec.Path, version, string(rec.Change), rec.Author, formatDate(rec.Date), content, size, mtime,
			rec.Path, onlyNew,
		).Scan(&out.Version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			out.Skipped = true
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if rec.Version != nil && isConstraintErr(err) {
				err = fmt.Errorf("%w: %s@%d", ErrDuplicateVersion, rec.Path, *rec.Version)
			}
			out.Err = fmt.Errorf("insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit store batch: %w", err)
	}
	return res, nil
}

func isConstraintErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "constraint")
}

// GetRecords implements Backend.
func (s *SQLiteStore) GetRecords(ctx context.Context, q Query) ([]Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := s.check(); err != nil {
		return nil, err
	}

	attrs := q.projection()
	query, args := buildSelect(q, attrs)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows, attrs)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// columns maps attributes to selected columns.
func columns(a Attribute) []string {
	switch a {
	case AttrStat:
		return []string{"o.size", "o.mtime"}
	default:
		return []string{"o." + string(a)}
	}
}

// dateFilters renders the date predicates of q against table alias.
func dateFilters(q Query, alias string) ([]string, []any) {
	var where []string
	var args []any
	if q.Date != nil {
		where = append(where, alias+".date = ?")
		args = append(args, formatDate(*q.Date))
	}
	if q.Newer != nil {
		where = append(where, alias+".date > ?")
		args = append(args, formatDate(*q.Newer))
	}
	if q.Older != nil {
		where = append(where, alias+".date <= ?")
		args = append(args, formatDate(*q.Older))
	}
	return where, args
}

func buildSelect(q Query, attrs []Attribute) (string, []any) {
	var cols []string
	for _, a := range attrs {
		cols = append(cols, columns(a)...)
	}

	var where []string
	var args []any

	if len(q.Paths) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(q.Paths)), ",")
		where = append(where, "o.path IN ("+marks+")")
		for _, p := range q.Paths {
			args = append(args, p)
		}
	}

	dw, da := dateFilters(q, "o")
	where = append(where, dw...)
	args = append(args, da...)

	if q.Newest {
		sw, sa := dateFilters(q, "n")
		sub := "SELECT MAX(n.version) FROM versioned_objects n WHERE n.path = o.path"
		if len(sw) > 0 {
			sub += " AND " + strings.Join(sw, " AND ")
		}
		where = append(where, "o.version = ("+sub+")")
		args = append(args, sa...)
	} else if q.Version != nil {
		where = append(where, "o.version = ?")
		args = append(args, *q.Version)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(" FROM versioned_objects o")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY o.path ASC, o.version DESC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args
}

func scanRecord(rows *sql.Rows, attrs []Attribute) (Record, error) {
	var (
		r       Record
		change  string
		date    string
		content []byte
		loaded  bool
		size    sql.NullInt64
		mtime   sql.NullString
		dest    []any
	)
	for _, a := range attrs {
		switch a {
		case AttrPath:
			dest = append(dest, &r.Path)
		case AttrVersion:
			dest = append(dest, &r.Version)
		case AttrChange:
			dest = append(dest, &change)
		case AttrAuthor:
			dest = append(dest, &r.Author)
		case AttrDate:
			dest = append(dest, &date)
		case AttrContent:
			loaded = true
			dest = append(dest, &content)
		case AttrStat:
			dest = append(dest, &size, &mtime)
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}

	r.Change = Change(change)
	r.Content = content
	// Drivers read an empty blob back as nil; only deletions lack content.
	if loaded && content == nil && change != "" && r.Change != ChangeDeletion {
		r.Content = []byte{}
	}
	if date != "" {
		t, err := parseDate(date)
		if err != nil {
			return Record{}, err
		}
		r.Date = t
	}
	if size.Valid {
		st := &Stat{Size: size.Int64}
		if mtime.Valid {
			t, err := parseDate(mtime.String)
			if err != nil {
				return Record{}, err
			}
			st.ModTime = t
		}
		r.Stat = st
	}
	return r, nil
}

// Stats implements Backend. SizeBytes is an approximation using
// page_count * page_size.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.check(); err != nil {
		return Stats{}, err
	}
	var st Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT path) FROM versioned_objects",
	).Scan(&st.Records, &st.Paths)
	if err != nil {
		return Stats{}, fmt.Errorf("count records: %w", err)
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return Stats{}, err
	}
	st.SizeBytes = pageCount * pageSize
	return st, nil
}

// Close closes the underlying database connection. It is safe to call
// more than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Close()
}
