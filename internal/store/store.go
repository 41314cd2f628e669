// Package store provides persistent relay state backed by an embedded
// SQLite database: the reloadable ServerProperties spec.md §6 describes,
// plus a ban/audit surface for spec.md §7's typed rejection reasons.
//
// Migration design follows server/store/store.go exactly: SQL statements
// live in the [migrations] slice as ordered strings, each applied exactly
// once and tracked in schema_migrations. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — server properties key/value store
	`CREATE TABLE IF NOT EXISTS properties (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — bans by ECDH public key (Z85-encoded) or source IP
	`CREATE TABLE IF NOT EXISTS bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		pubkey     TEXT NOT NULL DEFAULT '',
		ip         TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL DEFAULT '',
		banned_by  TEXT NOT NULL DEFAULT '',
		duration_s INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — moderation/audit log
	`CREATE TABLE IF NOT EXISTS audit_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		actor        TEXT NOT NULL,
		action       TEXT NOT NULL,
		target       TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v4 — index for audit log queries ordered by recency
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	// v5 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes relay-state operations.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// ServerProperties is the reloadable configuration spec.md §6 describes as
// the relay's control surface.
type ServerProperties struct {
	Port            uint16
	MaxClients      uint16
	Motd            string
	PositioningType string
	Language        string
}

var propertyKeys = []string{"port", "max_clients", "motd", "positioning_type", "language"}

// GetServerProperties reads the persisted properties, falling back to
// defaults for any key never written.
func (s *Store) GetServerProperties(defaults ServerProperties) (ServerProperties, error) {
	props := defaults
	for _, key := range propertyKeys {
		val, ok, err := s.getSetting(key)
		if err != nil {
			return ServerProperties{}, fmt.Errorf("store: read %s: %w", key, err)
		}
		if !ok {
			continue
		}
		switch key {
		case "port":
			var v uint16
			if _, err := fmt.Sscanf(val, "%d", &v); err == nil {
				props.Port = v
			}
		case "max_clients":
			var v uint16
			if _, err := fmt.Sscanf(val, "%d", &v); err == nil {
				props.MaxClients = v
			}
		case "motd":
			props.Motd = val
		case "positioning_type":
			props.PositioningType = val
		case "language":
			props.Language = val
		}
	}
	return props, nil
}

// SetServerProperties persists props, upserting each field as its own
// settings row so a partial read during a concurrent write never observes
// a torn combination of old/new values for any single field.
func (s *Store) SetServerProperties(props ServerProperties) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	values := map[string]string{
		"port":             fmt.Sprintf("%d", props.Port),
		"max_clients":      fmt.Sprintf("%d", props.MaxClients),
		"motd":             props.Motd,
		"positioning_type": props.PositioningType,
		"language":         props.Language,
	}
	for _, key := range propertyKeys {
		if _, err := tx.Exec(
			`INSERT INTO properties(key, value) VALUES(?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, values[key],
		); err != nil {
			return fmt.Errorf("store: set %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) getSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM properties WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

// Ban is a single ban record, by ECDH public key (Z85-encoded) or source IP.
type Ban struct {
	ID        int64
	Pubkey    string
	IP        string
	Reason    string
	BannedBy  string
	DurationS int
	CreatedAt int64
}

// InsertBan records a new ban. DurationS == 0 means permanent.
func (s *Store) InsertBan(pubkey, ip, reason, bannedBy string, durationS int) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO bans(pubkey, ip, reason, banned_by, duration_s) VALUES(?,?,?,?,?)`,
		pubkey, ip, reason, bannedBy, durationS,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetBans returns all bans, most recent first.
func (s *Store) GetBans() ([]Ban, error) {
	rows, err := s.db.Query(
		`SELECT id, pubkey, ip, reason, banned_by, duration_s, created_at FROM bans ORDER BY id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.ID, &b.Pubkey, &b.IP, &b.Reason, &b.BannedBy, &b.DurationS, &b.CreatedAt); err != nil {
			return nil, err
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// DeleteBan removes a ban by ID.
func (s *Store) DeleteBan(id int64) error {
	res, err := s.db.Exec(`DELETE FROM bans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsPubkeyBanned reports whether pubkey has an active (non-expired) ban,
// consulted by the relay's login flow before completing a handshake.
func (s *Store) IsPubkeyBanned(pubkey string) (bool, string, error) {
	var reason string
	err := s.db.QueryRow(
		`SELECT reason FROM bans WHERE pubkey = ? AND (duration_s = 0 OR created_at + duration_s > unixepoch()) LIMIT 1`,
		pubkey,
	).Scan(&reason)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// IsIPBanned reports whether ip has an active (non-expired) ban.
func (s *Store) IsIPBanned(ip string) (bool, string, error) {
	var reason string
	err := s.db.QueryRow(
		`SELECT reason FROM bans WHERE ip = ? AND (duration_s = 0 OR created_at + duration_s > unixepoch()) LIMIT 1`,
		ip,
	).Scan(&reason)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// PurgeExpiredBans removes bans whose duration has elapsed, returning the
// count removed.
func (s *Store) PurgeExpiredBans() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM bans WHERE duration_s > 0 AND created_at + duration_s <= unixepoch()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

// AuditEntry is a single moderation/control-plane action record.
type AuditEntry struct {
	ID          int64
	Actor       string
	Action      string
	Target      string
	DetailsJSON string
	CreatedAt   int64
}

// InsertAuditLog records one moderation/control-plane action.
func (s *Store) InsertAuditLog(actor, action, target, detailsJSON string) error {
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log(actor, action, target, details_json) VALUES(?,?,?,?)`,
		actor, action, target, detailsJSON,
	)
	return err
}

// GetAuditLog returns up to limit entries, most recent first. action
// filters to a single action kind when non-empty.
func (s *Store) GetAuditLog(action string, limit int) ([]AuditEntry, error) {
	var rows *sql.Rows
	var err error
	if action == "" {
		rows, err = s.db.Query(
			`SELECT id, actor, action, target, details_json, created_at FROM audit_log ORDER BY id DESC LIMIT ?`,
			limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, actor, action, target, details_json, created_at FROM audit_log WHERE action = ? ORDER BY id DESC LIMIT ?`,
			action, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.DetailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
