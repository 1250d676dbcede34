package notary

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Journal records issued attestations in a local sqlite database. Only
// accounting metadata is stored; the notary never holds transcript
// plaintext, so neither does the journal.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens or creates the journal database at path
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS attestations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	server_name TEXT NOT NULL,
	sent_len    INTEGER NOT NULL,
	recv_len    INTEGER NOT NULL,
	issued_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attestations_server ON attestations(server_name);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record stores one issued attestation
func (j *Journal) Record(ctx context.Context, sessionID, serverName string, sentLen, recvLen uint32, issuedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO attestations (session_id, server_name, sent_len, recv_len, issued_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, serverName, sentLen, recvLen, issuedAt.Unix())
	if err != nil {
		return fmt.Errorf("record attestation: %w", err)
	}
	return nil
}

// CountForServer returns how many attestations were issued for a server
func (j *Journal) CountForServer(ctx context.Context, serverName string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attestations WHERE server_name = ?`, serverName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attestations: %w", err)
	}
	return n, nil
}

// Close closes the journal database
func (j *Journal) Close() error {
	return j.db.Close()
}
