// Package storage persists the small durable core: contact cards seen in
// rooms, the recent-room directory, and chat history. Everything live
// (roster, sessions, media state) stays in memory and is rebuilt on join.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wevov/liaotian/internal/proto"
)

// DB wraps the node's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at dbPath, creating parent directories.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			user_id      TEXT PRIMARY KEY,
			username     TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url   TEXT NOT NULL DEFAULT '',
			last_peer_id TEXT NOT NULL DEFAULT '',
			last_seen    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create contacts table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			id          TEXT PRIMARY KEY,
			label       TEXT NOT NULL DEFAULT '',
			visits      INTEGER NOT NULL DEFAULT 0,
			last_joined DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id        TEXT PRIMARY KEY,
			scope     TEXT NOT NULL,
			sender    TEXT NOT NULL,
			body      TEXT NOT NULL,
			ts        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_scope_ts ON messages(scope, ts);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Contact is a durable card for a user seen in some room.
type Contact struct {
	UserID     string
	Profile    proto.Profile
	LastPeerID string
	LastSeen   time.Time
}

// UpsertContact records or refreshes a contact card.
func (d *DB) UpsertContact(userID, peerID string, p proto.Profile) error {
	if userID == "" {
		return fmt.Errorf("contact without user id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO contacts (user_id, username, display_name, avatar_url, last_peer_id, last_seen)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			username     = excluded.username,
			display_name = excluded.display_name,
			avatar_url   = excluded.avatar_url,
			last_peer_id = excluded.last_peer_id,
			last_seen    = CURRENT_TIMESTAMP
	`, userID, p.Username, p.DisplayName, p.AvatarURL, peerID)
	return err
}

// GetContact returns the card for userID, if stored.
func (d *DB) GetContact(userID string) (Contact, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var c Contact
	row := d.db.QueryRow(`
		SELECT user_id, username, display_name, avatar_url, last_peer_id, last_seen
		FROM contacts WHERE user_id = ?`, userID)
	err := row.Scan(&c.UserID, &c.Profile.Username, &c.Profile.DisplayName,
		&c.Profile.AvatarURL, &c.LastPeerID, &c.LastSeen)
	if err == sql.ErrNoRows {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, err
	}
	return c, true, nil
}

// ListContacts returns every stored card, most recently seen first.
func (d *DB) ListContacts() ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT user_id, username, display_name, avatar_url, last_peer_id, last_seen
		FROM contacts ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.UserID, &c.Profile.Username, &c.Profile.DisplayName,
			&c.Profile.AvatarURL, &c.LastPeerID, &c.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Room is one entry in the recent-room directory.
type Room struct {
	ID         string
	Label      string
	Visits     int
	LastJoined time.Time
}

// TouchRoom records a room join, bumping its visit count.
func (d *DB) TouchRoom(id, label string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO rooms (id, label, visits, last_joined)
		VALUES (?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			label       = CASE WHEN excluded.label != '' THEN excluded.label ELSE rooms.label END,
			visits      = rooms.visits + 1,
			last_joined = CURRENT_TIMESTAMP
	`, id, label)
	return err
}

// RecentRooms returns up to limit rooms, most recently joined first.
func (d *DB) RecentRooms(limit int) ([]Room, error) {
	if limit <= 0 {
		limit = 20
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, label, visits, last_joined
		FROM rooms ORDER BY last_joined DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Label, &r.Visits, &r.LastJoined); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Message is one stored chat line. Scope is "room:<id>" for room chat or
// "dm:<userId>" for a direct conversation.
type Message struct {
	ID     string
	Scope  string
	Sender string
	Body   string
	TS     int64
}

// SaveMessage stores a chat line. Duplicate ids (redelivery) are ignored.
func (d *DB) SaveMessage(m Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO messages (id, scope, sender, body, ts)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Scope, m.Sender, m.Body, m.TS)
	return err
}

// RecentMessages returns up to limit messages in a scope, oldest first.
func (d *DB) RecentMessages(scope string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, scope, sender, body, ts FROM (
			SELECT id, scope, sender, body, ts
			FROM messages WHERE scope = ? ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC`, scope, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Scope, &m.Sender, &m.Body, &m.TS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
