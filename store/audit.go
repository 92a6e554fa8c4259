package store

import (
	"time"
)

type AuditEntry struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	OldValue   string    `json:"old_value"`
	NewValue   string    `json:"new_value"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}

func (db *DB) AppendAudit(entityType, entityID, action, oldValue, newValue, actor string) error {
	if actor == "" {
		actor = "system"
	}
	_, err := db.Exec(db.Q(`INSERT INTO audit_log (entity_type, entity_id, action, old_value, new_value, actor) VALUES (?, ?, ?, ?, ?, ?)`),
		entityType, entityID, action, oldValue, newValue, actor)
	return err
}

func (db *DB) ListAuditLog(limit int) ([]*AuditEntry, error) {
	return db.queryAudit(`SELECT id, entity_type, entity_id, action, old_value, new_value, actor, created_at FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
}

func (db *DB) ListEntityAudit(entityType, entityID string) ([]*AuditEntry, error) {
	return db.queryAudit(`SELECT id, entity_type, entity_id, action, old_value, new_value, actor, created_at FROM audit_log WHERE entity_type=? AND entity_id=? ORDER BY id DESC`, entityType, entityID)
}

func (db *DB) queryAudit(query string, args ...any) ([]*AuditEntry, error) {
	rows, err := db.Query(db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAt any
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.OldValue, &e.NewValue, &e.Actor, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
