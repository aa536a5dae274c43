package models

import (
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
)

type SyncStatus string

const (
	SyncDraft  SyncStatus = "draft"
	SyncActive SyncStatus = "active"
	SyncPaused SyncStatus = "paused"
	SyncError  SyncStatus = "error"
)

// syncTransitions lists every allowed move; paused->active is the only way back.
var syncTransitions = map[SyncStatus][]SyncStatus{
	SyncDraft:  {SyncActive},
	SyncActive: {SyncPaused, SyncError},
	SyncPaused: {SyncActive},
}

func CanTransition(from, to SyncStatus) bool {
	for _, next := range syncTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ConflictPolicy string

const (
	ConflictSource      ConflictPolicy = "source"
	ConflictDestination ConflictPolicy = "destination"
	ConflictLatest      ConflictPolicy = "latest"
)

type Direction string

const (
	SourceToDestination Direction = "source_to_destination"
	DestinationToSource Direction = "destination_to_source"
	Bidirectional       Direction = "both"
)

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

type RetryPolicy struct {
	MaxAttempts int         `json:"maxAttempts"`
	Backoff     BackoffKind `json:"backoff"`
}

type FieldMapping struct {
	SourceFieldID      string            `json:"sourceFieldId"`
	DestinationFieldID string            `json:"destinationFieldId"`
	Transformation     string            `json:"transformation,omitempty"`
	TransformParams    map[string]string `json:"transformParams,omitempty"`
}

// TableMapping pairs one source table with one destination table. Field ids refer to
// the schema snapshot taken when the mapping was saved; nothing re-checks them live.
type TableMapping struct {
	SourceTable         string               `json:"sourceTable"`
	DestinationTable    string               `json:"destinationTable"`
	Direction           Direction            `json:"direction"`
	FieldMappings       []FieldMapping       `json:"fieldMappings"`
	Filters             map[Direction]string `json:"filters,omitempty"`
	ChangeTrackingField string               `json:"changeTrackingField,omitempty"`
}

type Sync struct {
	ID              string         `json:"id" gorm:"column:id;type:varchar(64);primaryKey"`
	TeamID          string         `json:"teamId" gorm:"column:team_id;type:varchar(64);index"`
	Name            string         `json:"name" gorm:"column:name;type:varchar(255)"`
	Status          SyncStatus     `json:"status" gorm:"column:status;type:varchar(32);index"`
	Source          SourceConfig   `json:"source" gorm:"column:source;type:text;serializer:json"`
	DestinationID   string         `json:"destinationId" gorm:"column:destination_id;type:varchar(64)"`
	TableMappings   []TableMapping `json:"tableMappings" gorm:"column:table_mappings;type:text;serializer:json"`
	Schedule        string         `json:"schedule" gorm:"column:schedule;type:varchar(64)"` // 15m, hourly, daily
	RetryPolicy     RetryPolicy    `json:"retryPolicy" gorm:"column:retry_policy;type:text;serializer:json"`
	ConflictPolicy  ConflictPolicy `json:"conflictPolicy" gorm:"column:conflict_policy;type:varchar(32)"`
	ErrorMessage    string         `json:"errorMessage,omitempty" gorm:"column:error_message;type:text"`
	LastScheduledAt *time.Time     `json:"lastScheduledAt,omitempty" gorm:"column:last_scheduled_at"`
	CreatedAt       time.Time      `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt       time.Time      `json:"updatedAt" gorm:"column:updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"column:deleted_at;index"`
}

func (Sync) TableName() string {
	return "syncs"
}

func (s *Sync) DeepCopy() *Sync {
	st := *s
	st.TableMappings = append([]TableMapping(nil), s.TableMappings...)
	if s.LastScheduledAt != nil {
		at := *s.LastScheduledAt
		st.LastScheduledAt = &at
	}
	return &st
}

// Mapping finds the table mapping for a source table.
func (s *Sync) Mapping(sourceTable string) (TableMapping, bool) {
	for _, m := range s.TableMappings {
		if m.SourceTable == sourceTable {
			return m, true
		}
	}
	return TableMapping{}, false
}

// IsDue reports whether a polling sync should run at now.
func (s *Sync) IsDue(now time.Time) bool {
	if s.Status != SyncActive || s.Source.Kind == CaptureWebhook {
		return false
	}
	if s.LastScheduledAt == nil {
		return true
	}
	interval, err := ParseSchedule(s.Schedule)
	if err != nil {
		return false
	}
	return !s.LastScheduledAt.Add(interval).After(now)
}

var fieldIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Validate runs once when the sync is created.
func (s *Sync) Validate() error {
	if strings.TrimSpace(s.TeamID) == "" {
		return terr.Wrapf(&terr.ConfigurationError, "sync %s: team id is required", s.ID)
	}
	if _, err := ParseSchedule(s.Schedule); err != nil {
		return err
	}
	switch s.ConflictPolicy {
	case ConflictSource, ConflictDestination, ConflictLatest:
	default:
		return terr.Wrapf(&terr.ConfigurationError, "sync %s: unknown conflict policy %q", s.ID, s.ConflictPolicy)
	}
	switch s.RetryPolicy.Backoff {
	case BackoffFixed, BackoffExponential, "":
	default:
		return terr.Wrapf(&terr.ConfigurationError, "sync %s: unknown backoff kind %q", s.ID, s.RetryPolicy.Backoff)
	}
	if s.RetryPolicy.MaxAttempts < 0 {
		return terr.Wrapf(&terr.ConfigurationError, "sync %s: maxAttempts must not be negative", s.ID)
	}
	if err := s.Source.Validate(); err != nil {
		return terr.Wrapf(err, "sync %s", s.ID)
	}
	if len(s.TableMappings) == 0 {
		return terr.Wrapf(&terr.ConfigurationError, "sync %s: at least one table mapping is required", s.ID)
	}
	seen := map[string]bool{}
	for _, m := range s.TableMappings {
		if m.SourceTable == "" || m.DestinationTable == "" {
			return terr.Wrapf(&terr.ConfigurationError, "sync %s: table mapping needs source and destination tables", s.ID)
		}
		if seen[m.SourceTable] {
			return terr.Wrapf(&terr.ConfigurationError, "sync %s: source table %s mapped twice", s.ID, m.SourceTable)
		}
		seen[m.SourceTable] = true
		switch m.Direction {
		case SourceToDestination, DestinationToSource, Bidirectional:
		default:
			return terr.Wrapf(&terr.ConfigurationError, "sync %s: table %s has unknown direction %q", s.ID, m.SourceTable, m.Direction)
		}
		for _, fm := range m.FieldMappings {
			if !fieldIDPattern.MatchString(fm.SourceFieldID) || !fieldIDPattern.MatchString(fm.DestinationFieldID) {
				return terr.Wrapf(&terr.ConfigurationError, "sync %s: table %s has malformed field mapping %s->%s",
					s.ID, m.SourceTable, fm.SourceFieldID, fm.DestinationFieldID)
			}
		}
		if s.Source.Kind == CapturePoll && m.ChangeTrackingField == "" && s.Source.Poll.ModifiedField == "" {
			return terr.Wrapf(&terr.ConfigurationError, "sync %s: table %s needs a change tracking field for polling", s.ID, m.SourceTable)
		}
	}
	return nil
}

var scheduleAliases = map[string]time.Duration{
	"hourly": time.Hour,
	"daily":  24 * time.Hour,
	"weekly": 7 * 24 * time.Hour,
}

// ParseSchedule turns the interval string of a sync into a duration.
func ParseSchedule(schedule string) (time.Duration, error) {
	schedule = strings.ToLower(strings.TrimSpace(schedule))
	if d, ok := scheduleAliases[schedule]; ok {
		return d, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return 0, terr.Wrapf(&terr.ConfigurationError, "schedule %q: %v", schedule, err)
	}
	if d < time.Minute {
		return 0, terr.Wrapf(&terr.ConfigurationError, "schedule %q is shorter than one minute", schedule)
	}
	return d, nil
}

func invalidTransition(id string, from, to SyncStatus) error {
	return terr.Wrapf(&terr.InvalidTransition, "sync %s: %s -> %s", id, from, to)
}
