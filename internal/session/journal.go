package session

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Journal is a best-effort sqlite mirror of session state so a restarted
// process can replay snapshots to late-joining hosts. It is advisory only:
// the protocol promises nothing across restarts, and every journal failure
// is survivable.
type Journal struct {
	db *sql.DB
}

func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL keeps readers off the writers' backs
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS session_state (
		session_id TEXT PRIMARY KEY,
		code TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		output BLOB,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Save(sessionID string, st State) error {
	_, err := j.db.Exec(`
		INSERT INTO session_state (session_id, code, language, output, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			code = excluded.code,
			language = excluded.language,
			output = excluded.output,
			updated_at = excluded.updated_at
	`, sessionID, st.Code, st.Language, []byte(st.Output), st.UpdatedAt)
	return err
}

func (j *Journal) Delete(sessionID string) error {
	_, err := j.db.Exec("DELETE FROM session_state WHERE session_id = ?", sessionID)
	return err
}

func (j *Journal) LoadAll() (map[string]State, error) {
	rows, err := j.db.Query("SELECT session_id, code, language, output, updated_at FROM session_state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]State)
	for rows.Next() {
		var id string
		var st State
		var output []byte
		var updatedAt time.Time
		if err := rows.Scan(&id, &st.Code, &st.Language, &output, &updatedAt); err != nil {
			return nil, err
		}
		if len(output) > 0 {
			st.Output = output
		}
		st.UpdatedAt = updatedAt
		states[id] = st
	}
	return states, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
