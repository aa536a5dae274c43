package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func ParseOperation(s string) (Operation, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert", "create", "created", "i":
		return OpInsert, true
	case "update", "updated", "u":
		return OpUpdate, true
	case "delete", "deleted", "d":
		return OpDelete, true
	}
	return "", false
}

// ChangeRecord is a detected change. Position carries the provenance a consumer needs
// to drop redeliveries: the log id, or the record id plus the observed modification time.
type ChangeRecord struct {
	Operation  Operation              `json:"operation"`
	Table      string                 `json:"table"`
	Key        string                 `json:"key"`
	Row        map[string]interface{} `json:"row,omitempty"`
	OldRow     map[string]interface{} `json:"oldRow,omitempty"`
	Position   string                 `json:"position"`
	ObservedAt time.Time              `json:"observedAt"`
}

func (r ChangeRecord) DedupKey() string {
	return strings.Join([]string{r.Table, string(r.Operation), r.Key, r.Position}, "|")
}

// StagedChange is the durable form of a ChangeRecord after hand-off.
type StagedChange struct {
	ID         uint64         `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	SyncID     string         `json:"syncId" gorm:"column:sync_id;type:varchar(64);uniqueIndex:idx_staged_dedup,priority:1"`
	DedupKey   string         `json:"dedupKey" gorm:"column:dedup_key;type:varchar(512);uniqueIndex:idx_staged_dedup,priority:2"`
	Table      string         `json:"table" gorm:"column:table_name;type:varchar(255)"`
	Operation  Operation      `json:"operation" gorm:"column:operation;type:varchar(16)"`
	RowKey     string         `json:"rowKey" gorm:"column:row_key;type:varchar(255)"`
	Position   string         `json:"position" gorm:"column:position;type:varchar(255)"`
	Payload    datatypes.JSON `json:"payload" gorm:"column:payload"`
	OldPayload datatypes.JSON `json:"oldPayload,omitempty" gorm:"column:old_payload"`
	ObservedAt time.Time      `json:"observedAt" gorm:"column:observed_at"`
	CreatedAt  time.Time      `json:"createdAt" gorm:"column:created_at"`
}

func (StagedChange) TableName() string {
	return "staged_changes"
}

// CursorRow persists one opaque cursor per (sync, table).
type CursorRow struct {
	SyncID    string    `gorm:"column:sync_id;type:varchar(64);primaryKey"`
	TableID   string    `gorm:"column:table_id;type:varchar(255);primaryKey"`
	Kind      string    `gorm:"column:kind;type:varchar(16)"`
	Value     string    `gorm:"column:value;type:text"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (CursorRow) TableName() string {
	return "sync_cursors"
}
