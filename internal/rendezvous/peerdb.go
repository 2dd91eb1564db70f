package rendezvous

import (
	"database/sql"
	"encoding/json"
	"log"
	"sync"

	_ "modernc.org/sqlite"
)

// peerDB provides optional SQLite-backed record persistence so a
// restarted rendezvous server can still resolve recently-seen peers
// before they re-register.
type peerDB struct {
	db *sql.DB
	mu sync.Mutex
}

// openPeerDB opens (or creates) a SQLite database for record persistence.
func openPeerDB(path string) (*peerDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent access from multiple processes sharing the file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS records (
		peer_id       TEXT PRIMARY KEY,
		display_name  TEXT NOT NULL DEFAULT '',
		host_id       TEXT NOT NULL DEFAULT '',
		addrs         TEXT NOT NULL DEFAULT '[]',
		ts            INTEGER DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &peerDB{db: db}, nil
}

// upsert writes a record row to SQLite.
func (p *peerDB) upsert(rec Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addrs, _ := json.Marshal(rec.Addrs)
	_, err := p.db.Exec(`INSERT INTO records (peer_id, display_name, host_id, addrs, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name=excluded.display_name,
			host_id=excluded.host_id,
			addrs=excluded.addrs,
			ts=excluded.ts`,
		rec.PeerID, rec.DisplayName, rec.HostID, string(addrs), rec.TS)
	if err != nil {
		log.Printf("peerdb: upsert error: %v", err)
	}
}

// remove deletes a record from SQLite.
func (p *peerDB) remove(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.db.Exec(`DELETE FROM records WHERE peer_id = ?`, peerID)
}

// cleanupStale removes records older than the given threshold (unix millis).
func (p *peerDB) cleanupStale(thresholdMillis int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.db.Exec(`DELETE FROM records WHERE ts < ?`, thresholdMillis)
}

// loadAll returns all records from SQLite.
func (p *peerDB) loadAll() ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.Query(`SELECT peer_id, display_name, host_id, addrs, ts FROM records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var r Record
		var addrs string
		if err := rows.Scan(&r.PeerID, &r.DisplayName, &r.HostID, &addrs, &r.TS); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(addrs), &r.Addrs)
		result = append(result, r)
	}
	return result, rows.Err()
}

// close closes the database.
func (p *peerDB) close() error {
	return p.db.Close()
}
