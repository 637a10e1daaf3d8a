package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"grimm.is/ruleplane/internal/logging"
)

// Journal subscribes to the hub and writes every event to SQLite so that
// operators can review recent policy activity after the fact.
type Journal struct {
	db     *sql.DB
	hub    *Hub
	logger *logging.Logger

	// Write buffer to reduce SQLite IOPS
	buffer   []Event
	bufferMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// JournalConfig configures the journal.
type JournalConfig struct {
	// FlushInterval is how often to flush buffered writes (default: 2s)
	FlushInterval time.Duration

	// JanitorInterval is how often old entries are pruned (default: 1h)
	JanitorInterval time.Duration

	// Retention is how long entries are kept (default: 30d)
	Retention time.Duration
}

// DefaultJournalConfig returns sensible defaults.
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		FlushInterval:   2 * time.Second,
		JanitorInterval: time.Hour,
		Retention:       30 * 24 * time.Hour,
	}
}

// Entry is one journaled event as read back from the database.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"type"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

// NewJournal creates the journal table if needed.
func NewJournal(db *sql.DB, hub *Hub, logger *logging.Logger) (*Journal, error) {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	j := &Journal{
		db:     db,
		hub:    hub,
		logger: logger.WithComponent("events"),
		buffer: make([]Event, 0, 256),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := j.initSchema(); err != nil {
		cancel()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS event_journal (
		timestamp INTEGER NOT NULL,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		data TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_event_journal_ts ON event_journal(timestamp);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Start begins background consumption, flushing and pruning.
func (j *Journal) Start(cfg JournalConfig) {
	events := j.hub.Subscribe(1024)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer j.hub.Unsubscribe(events)
		for {
			select {
			case <-j.ctx.Done():
				return
			case e := <-events:
				j.bufferMu.Lock()
				j.buffer = append(j.buffer, e)
				j.bufferMu.Unlock()
			}
		}
	}()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-j.ctx.Done():
				j.Flush() // Final flush on shutdown
				return
			case <-ticker.C:
				j.Flush()
			}
		}
	}()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(cfg.JanitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-j.ctx.Done():
				return
			case <-ticker.C:
				j.Prune(time.Now().Add(-cfg.Retention))
			}
		}
	}()
}

// Stop gracefully shuts down the journal.
func (j *Journal) Stop() {
	j.cancel()
	j.wg.Wait()
}

// Flush writes buffered events to SQLite.
func (j *Journal) Flush() {
	j.bufferMu.Lock()
	if len(j.buffer) == 0 {
		j.bufferMu.Unlock()
		return
	}
	toFlush := j.buffer
	j.buffer = make([]Event, 0, 256)
	j.bufferMu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		j.logger.Error("failed to begin transaction", "error", err)
		return
	}

	stmt, err := tx.Prepare(`INSERT INTO event_journal (timestamp, type, source, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		j.logger.Error("failed to prepare statement", "error", err)
		return
	}
	defer stmt.Close()

	for _, e := range toFlush {
		data, err := json.Marshal(e.Data)
		if err != nil {
			j.logger.Warn("event payload not serializable", "type", e.Type, "error", err)
			continue
		}
		if _, err := stmt.Exec(e.Timestamp.UnixNano(), string(e.Type), e.Source, string(data)); err != nil {
			j.logger.Error("failed to insert event", "type", e.Type, "error", err)
		}
	}

	if err := tx.Commit(); err != nil {
		j.logger.Error("failed to commit events", "error", err)
	}
}

// Prune deletes entries older than cutoff.
func (j *Journal) Prune(cutoff time.Time) {
	res, err := j.db.Exec(`DELETE FROM event_journal WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		j.logger.Error("journal cleanup failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		j.logger.Debug("journal pruned", "rows", n)
	}
}

// Recent returns up to limit entries, newest first, optionally filtered by type.
func (j *Journal) Recent(limit int, types ...EventType) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT timestamp, type, source, data FROM event_journal`
	args := make([]any, 0, len(types)+1)
	if len(types) > 0 {
		query += ` WHERE type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			ts   int64
			typ  string
			data sql.NullString
		)
		if err := rows.Scan(&ts, &typ, &e.Source, &data); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts)
		e.Type = EventType(typ)
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
