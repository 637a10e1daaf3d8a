// Package state persists the pending and active chains of every section so
// that a restart resumes with the same policy, including unpropagated edits.
//
// Rules are stored in their engine wire form; loading decodes them through
// the rule codec, so a corrupted row fails the load instead of producing a
// different rule.
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/ruleplane/internal/clock"
	"grimm.is/ruleplane/internal/rule"
)

// SchemaVersion is bumped when the table layout changes.
const SchemaVersion = 1

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("state store closed")
	// ErrSchemaVersion is returned when the database was written by a newer
	// schema.
	ErrSchemaVersion = errors.New("unsupported state schema version")
)

// Chains is the persisted pair of chains of one section.
type Chains struct {
	Pending []rule.Rule
	Active  []rule.Rule
	Updated time.Time
}

// Store is a SQLite-backed chain store.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	clock  clock.Clock
}

// Options configures the SQLite store.
type Options struct {
	Path    string      // Database file path (":memory:" for in-memory)
	WALMode bool        // Enable WAL mode for better concurrency
	Clock   clock.Clock // Optional: time source (defaults to RealClock if nil)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:    path,
		WALMode: true,
	}
}

// Open opens (creating if needed) the database at opts.Path.
func Open(opts Options) (*Store, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.Path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, clock: clock.OrReal(opts.Clock)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		-- One row per rule; version is 'pending' or 'active'
		CREATE TABLE IF NOT EXISTS chain_rules (
			section INTEGER NOT NULL,
			version TEXT NOT NULL,
			position INTEGER NOT NULL,
			wire TEXT NOT NULL,
			PRIMARY KEY (section, version, position)
		);

		-- Last write per section
		CREATE TABLE IF NOT EXISTS sections (
			section INTEGER PRIMARY KEY,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var v string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO metadata (key, value) VALUES ('schema_version', ?)`, strconv.Itoa(SchemaVersion))
		return err
	case err != nil:
		return err
	}
	n, err := strconv.Atoi(v)
	if err != nil || n > SchemaVersion {
		return fmt.Errorf("%w: %q", ErrSchemaVersion, v)
	}
	return nil
}

// DB exposes the underlying handle for components sharing the database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveSection replaces everything stored for section in one transaction.
func (s *Store) SaveSection(section rule.Section, pending, active []rule.Rule) error {
	if !section.Valid() {
		return fmt.Errorf("unknown section %d", section)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chain_rules WHERE section = ?`, int(section)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", section, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO chain_rules (section, version, position, wire) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, set := range []struct {
		version rule.Version
		rules   []rule.Rule
	}{
		{rule.VersionPending, pending},
		{rule.VersionActive, active},
	} {
		for i, r := range set.rules {
			wire, err := json.Marshal(rule.Encode(r).Ints())
			if err != nil {
				return err
			}
			if _, err := stmt.Exec(int(section), set.version.String(), i+1, string(wire)); err != nil {
				return fmt.Errorf("failed to store %s %s position %d: %w", section, set.version, i+1, err)
			}
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO sections (section, updated_at) VALUES (?, ?)
		 ON CONFLICT(section) DO UPDATE SET updated_at = excluded.updated_at`,
		int(section), s.clock.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to stamp %s: %w", section, err)
	}

	return tx.Commit()
}

// LoadSection returns the stored chains of section. A section never saved
// loads as two empty chains.
func (s *Store) LoadSection(section rule.Section) (Chains, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Chains{}, ErrClosed
	}

	var c Chains
	var updated int64
	err := s.db.QueryRow(`SELECT updated_at FROM sections WHERE section = ?`, int(section)).Scan(&updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return c, nil
	case err != nil:
		return c, err
	}
	c.Updated = time.Unix(0, updated)

	rows, err := s.db.Query(
		`SELECT version, position, wire FROM chain_rules WHERE section = ? ORDER BY version, position`,
		int(section),
	)
	if err != nil {
		return c, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			version  string
			position int
			raw      string
		)
		if err := rows.Scan(&version, &position, &raw); err != nil {
			return c, err
		}
		r, err := decodeRow(raw)
		if err != nil {
			return c, fmt.Errorf("%s %s position %d: %w", section, version, position, err)
		}
		v, err := rule.ParseVersion(version)
		if err != nil {
			return c, fmt.Errorf("%s position %d: %w", section, position, err)
		}
		r = r.Located(section, position)
		if v == rule.VersionActive {
			c.Active = append(c.Active, r)
		} else {
			c.Pending = append(c.Pending, r)
		}
	}
	return c, rows.Err()
}

// LoadAll loads every section in traversal order.
func (s *Store) LoadAll() (map[rule.Section]Chains, error) {
	out := make(map[rule.Section]Chains, len(rule.Sections))
	for _, sec := range rule.Sections {
		c, err := s.LoadSection(sec)
		if err != nil {
			return nil, err
		}
		out[sec] = c
	}
	return out, nil
}

func decodeRow(raw string) (rule.Rule, error) {
	var vals []int64
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return rule.Rule{}, fmt.Errorf("%w: %v", rule.ErrMalformed, err)
	}
	w, err := rule.ParseWire(vals)
	if err != nil {
		return rule.Rule{}, err
	}
	return rule.Decode(w)
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
