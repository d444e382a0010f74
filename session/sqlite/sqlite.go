// Package sqlite provides a durable SessionStore backed by a SQLite
// database. Events are stored as JSON rows in an append-only log; scoped
// state lives in dedicated app_state and user_state tables so "app:" and
// "user:" keys are shared across sessions.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a core.SessionStore persisting sessions to SQLite. A single
// Store is safe for concurrent use; writes are serialized by an internal
// mutex because modernc.org/sqlite allows only one writer at a time.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) the database at dsn and runs pending
// schema migrations. Use ":memory:" for an ephemeral store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Create inserts (or resets) the session row for ref.
func (s *Store) Create(ref core.SessionRef) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if _, err := s.db.Exec(`INSERT INTO sessions (app_name, user_id, session_id, state, created_at, updated_at)
		VALUES (?, ?, ?, '{}', ?, ?)
		ON CONFLICT (app_name, user_id, session_id)
		DO UPDATE SET state = '{}', updated_at = excluded.updated_at`,
		ref.AppName, ref.UserID, ref.SessionID, now, now); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		ref.AppName, ref.UserID, ref.SessionID); err != nil {
		return nil, fmt.Errorf("reset events: %w", err)
	}
	return s.load(ref)
}

// Get returns the session for ref, creating it lazily if it does not exist.
func (s *Store) Get(ref core.SessionRef) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ref); err != nil {
		return nil, err
	}
	return s.load(ref)
}

// AppendEvent durably appends ev to the session log and applies its state
// delta, routing scope-prefixed keys. The append and the delta commit in
// one transaction.
func (s *Store) AppendEvent(ref core.SessionRef, ev core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ref); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), -1) + 1 FROM events
		WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		ref.AppName, ref.UserID, ref.SessionID).Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO events (app_name, user_id, session_id, seq, payload)
		VALUES (?, ?, ?, ?, ?)`,
		ref.AppName, ref.UserID, ref.SessionID, seq, string(payload)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if len(ev.Actions.StateDelta) > 0 {
		if err := applyDeltaTx(tx, ref, ev.Actions.StateDelta); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`UPDATE sessions SET updated_at = ?
		WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		time.Now().UTC(), ref.AppName, ref.UserID, ref.SessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

// ApplyDelta merges a key/value delta, routing scoped keys to their scope.
func (s *Store) ApplyDelta(ref core.SessionRef, delta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ref); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := applyDeltaTx(tx, ref, delta); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents returns events with log index in [start, end); negative end
// means through the tail.
func (s *Store) ListEvents(ref core.SessionRef, start, end int) ([]core.Event, error) {
	events, err := s.loadEvents(ref)
	if err != nil {
		return nil, err
	}
	if end < 0 || end > len(events) {
		end = len(events)
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return nil, nil
	}
	return events[start:end], nil
}

// ensure inserts the session row if it is missing. Callers hold s.mu.
func (s *Store) ensure(ref core.SessionRef) error {
	now := time.Now().UTC()
	if _, err := s.db.Exec(`INSERT INTO sessions (app_name, user_id, session_id, state, created_at, updated_at)
		VALUES (?, ?, ?, '{}', ?, ?)
		ON CONFLICT (app_name, user_id, session_id) DO NOTHING`,
		ref.AppName, ref.UserID, ref.SessionID, now, now); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// load assembles a session snapshot with the merged state view.
func (s *Store) load(ref core.SessionRef) (*core.Session, error) {
	var stateJSON string
	var created, updated time.Time
	err := s.db.QueryRow(`SELECT state, created_at, updated_at FROM sessions
		WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		ref.AppName, ref.UserID, ref.SessionID).Scan(&stateJSON, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	sess := core.NewSession(ref)
	sess.Created = created
	sess.Updated = updated

	state := map[string]any{}
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	// Scoped values overlay session keys in the merged view.
	appState, err := s.scopedState(`SELECT key, value FROM app_state WHERE app_name = ?`, ref.AppName)
	if err != nil {
		return nil, err
	}
	userState, err := s.scopedState(`SELECT key, value FROM user_state WHERE app_name = ? AND user_id = ?`, ref.AppName, ref.UserID)
	if err != nil {
		return nil, err
	}
	sess.MergeState(state)
	sess.MergeState(appState)
	sess.MergeState(userState)
	sess.Updated = updated

	events, err := s.loadEvents(ref)
	if err != nil {
		return nil, err
	}
	sess.Events = events
	return sess, nil
}

func (s *Store) scopedState(query string, args ...any) (map[string]any, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load scoped state: %w", err)
	}
	defer rows.Close()
	state := map[string]any{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan scoped state: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode scoped value %q: %w", key, err)
		}
		state[key] = v
	}
	return state, rows.Err()
}

func (s *Store) loadEvents(ref core.SessionRef) ([]core.Event, error) {
	rows, err := s.db.Query(`SELECT payload FROM events
		WHERE app_name = ? AND user_id = ? AND session_id = ?
		ORDER BY seq`,
		ref.AppName, ref.UserID, ref.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()
	var events []core.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev core.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// applyDeltaTx routes each key by scope prefix within tx. temp: keys are
// dropped; app: and user: keys go to their scope tables; the rest merge
// into the session state JSON.
func applyDeltaTx(tx *sql.Tx, ref core.SessionRef, delta map[string]any) error {
	sessionDelta := map[string]any{}
	for k, v := range delta {
		switch {
		case core.IsTempKey(k):
			continue
		case strings.HasPrefix(k, core.AppPrefix):
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode app state %q: %w", k, err)
			}
			if _, err := tx.Exec(`INSERT INTO app_state (app_name, key, value) VALUES (?, ?, ?)
				ON CONFLICT (app_name, key) DO UPDATE SET value = excluded.value`,
				ref.AppName, k, string(raw)); err != nil {
				return fmt.Errorf("write app state %q: %w", k, err)
			}
		case strings.HasPrefix(k, core.UserPrefix):
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode user state %q: %w", k, err)
			}
			if _, err := tx.Exec(`INSERT INTO user_state (app_name, user_id, key, value) VALUES (?, ?, ?, ?)
				ON CONFLICT (app_name, user_id, key) DO UPDATE SET value = excluded.value`,
				ref.AppName, ref.UserID, k, string(raw)); err != nil {
				return fmt.Errorf("write user state %q: %w", k, err)
			}
		default:
			sessionDelta[k] = v
		}
	}
	if len(sessionDelta) == 0 {
		return nil
	}

	var stateJSON string
	if err := tx.QueryRow(`SELECT state FROM sessions
		WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		ref.AppName, ref.UserID, ref.SessionID).Scan(&stateJSON); err != nil {
		return fmt.Errorf("read session state: %w", err)
	}
	state := map[string]any{}
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return fmt.Errorf("decode session state: %w", err)
	}
	for k, v := range sessionDelta {
		state[k] = v
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET state = ?, updated_at = ?
		WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		string(raw), time.Now().UTC(), ref.AppName, ref.UserID, ref.SessionID); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return nil
}

var _ core.SessionStore = (*Store)(nil)
