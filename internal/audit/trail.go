// Package audit keeps the immutable decision log in the admin database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Entry event types.
const (
	EventAlert         = "alert_emitted"
	EventAdmission     = "trade_admission"
	EventPositionClose = "position_closed"
	EventBreakerTrip   = "breaker_trip"
	EventBreakerClear  = "breaker_clear"
	EventMigration     = "migration_applied"
)

// Entry is one audit record. Every operator-relevant decision gets an Entry
// so a session can be replayed after the fact.
type Entry struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"ts"`
	Subject   string    `json:"subject,omitempty"`  // token address or position id
	Decision  string    `json:"decision,omitempty"` // allow|deny, trip|clear
	Reasons   []string  `json:"reasons,omitempty"`
	Payload   string    `json:"payload"`
}

// Trail buffers the latest entries in memory and writes every entry to the
// audit_events table when a database is attached.
type Trail struct {
	mu      sync.Mutex
	db      *sql.DB
	entries []Entry
	maxBuf  int
	now     func() time.Time
}

// NewTrail creates a trail. db may be nil for a memory-only trail; maxBuf
// caps the in-memory buffer (oldest dropped first).
func NewTrail(db *sql.DB, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{db: db, entries: make([]Entry, 0, maxBuf), maxBuf: maxBuf, now: time.Now}
}

// RecordAlert logs an emitted alert.
func (t *Trail) RecordAlert(token, conviction string, score int) {
	t.record(Entry{
		EventType: EventAlert,
		Subject:   token,
		Decision:  conviction,
		Payload:   mustMarshal(map[string]any{"token": token, "conviction": conviction, "score": score}),
	})
}

// RecordAdmission logs a trade admission decision.
func (t *Trail) RecordAdmission(token string, allowed bool, reasons []string, detail any) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	t.record(Entry{
		EventType: EventAdmission,
		Subject:   token,
		Decision:  decision,
		Reasons:   reasons,
		Payload:   mustMarshal(detail),
	})
}

// RecordPositionClose logs a closed position.
func (t *Trail) RecordPositionClose(positionID, reason string, detail any) {
	t.record(Entry{
		EventType: EventPositionClose,
		Subject:   positionID,
		Decision:  reason,
		Payload:   mustMarshal(detail),
	})
}

// RecordBreaker logs a circuit breaker trip or clear.
func (t *Trail) RecordBreaker(tripped bool, reason string, detail any) {
	e := Entry{EventType: EventBreakerClear, Decision: "clear", Payload: mustMarshal(detail)}
	if tripped {
		e.EventType, e.Decision = EventBreakerTrip, "trip"
	}
	if reason != "" {
		e.Reasons = []string{reason}
	}
	t.record(e)
}

// RecordMigration logs an applied schema migration.
func (t *Trail) RecordMigration(set string, version int, name string) {
	t.record(Entry{
		EventType: EventMigration,
		Subject:   set,
		Decision:  fmt.Sprintf("%04d_%s", version, name),
		Payload:   mustMarshal(map[string]any{"set": set, "version": version, "name": name}),
	})
}

// Query returns buffered entries for subject.
func (t *Trail) Query(subject string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.Subject == subject {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of the in-memory buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// List reads persisted entries of one type, newest first. An empty
// eventType lists all types.
func (t *Trail) List(ctx context.Context, eventType string, limit int) ([]Entry, error) {
	if t.db == nil {
		return nil, fmt.Errorf("audit: no database attached")
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, occurred_at, event_type, subject, decision, reasons, payload FROM audit_events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY occurred_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			at      int64
			reasons string
		)
		if err := rows.Scan(&e.ID, &at, &e.EventType, &e.Subject, &e.Decision, &reasons, &e.Payload); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(at)
		if reasons != "" {
			e.Reasons = strings.Split(reasons, "; ")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// record buffers the entry and persists it outside the lock. Persist errors
// are logged; the audit trail never blocks a decision.
func (t *Trail) record(entry Entry) {
	if t == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.Timestamp = t.now()

	t.mu.Lock()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}
	t.mu.Unlock()

	if t.db == nil {
		return
	}
	_, err := t.db.Exec(`
		INSERT INTO audit_events (id, occurred_at, event_type, subject, decision, reasons, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UnixMilli(), entry.EventType, entry.Subject, entry.Decision,
		strings.Join(entry.Reasons, "; "), entry.Payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", entry.EventType).Msg("audit: persist failed")
	}
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit: marshal payload failed")
		return "{}"
	}
	return string(data)
}
