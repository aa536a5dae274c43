package models

import (
	"testing"
	"time"

	"github.com/test-go/testify/assert"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
)

func pollSync() *Sync {
	return &Sync{
		ID:             "s1",
		TeamID:         "t1",
		Name:           "airtable products",
		Status:         SyncDraft,
		Schedule:       "15m",
		ConflictPolicy: ConflictSource,
		RetryPolicy:    RetryPolicy{MaxAttempts: 3, Backoff: BackoffExponential},
		Source: SourceConfig{
			Kind: CapturePoll,
			Poll: &PollConfig{BaseURL: "https://api.airtable.com", PathTemplate: "/v0/app/{{table_name}}", ModifiedField: "Last Modified"},
		},
		TableMappings: []TableMapping{{
			SourceTable:      "products",
			DestinationTable: "products",
			Direction:        SourceToDestination,
			FieldMappings:    []FieldMapping{{SourceFieldID: "fld1", DestinationFieldID: "name"}},
		}},
	}
}

func TestSyncValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Sync)
		wantErr bool
	}{
		{name: "valid", mutate: func(s *Sync) {}, wantErr: false},
		{name: "no team", mutate: func(s *Sync) { s.TeamID = "" }, wantErr: true},
		{name: "bad schedule", mutate: func(s *Sync) { s.Schedule = "sometimes" }, wantErr: true},
		{name: "schedule too short", mutate: func(s *Sync) { s.Schedule = "5s" }, wantErr: true},
		{name: "unknown conflict policy", mutate: func(s *Sync) { s.ConflictPolicy = "mine" }, wantErr: true},
		{name: "two variants", mutate: func(s *Sync) { s.Source.Webhook = &WebhookConfig{} }, wantErr: true},
		{name: "kind mismatch", mutate: func(s *Sync) { s.Source.Kind = CaptureTriggerLog }, wantErr: true},
		{name: "ftp base url", mutate: func(s *Sync) { s.Source.Poll.BaseURL = "ftp://x" }, wantErr: true},
		{name: "no mappings", mutate: func(s *Sync) { s.TableMappings = nil }, wantErr: true},
		{name: "bad direction", mutate: func(s *Sync) { s.TableMappings[0].Direction = "sideways" }, wantErr: true},
		{
			name: "duplicate source table",
			mutate: func(s *Sync) {
				s.TableMappings = append(s.TableMappings, s.TableMappings[0])
			},
			wantErr: true,
		},
		{
			name: "no tracking field",
			mutate: func(s *Sync) {
				s.Source.Poll.ModifiedField = ""
			},
			wantErr: true,
		},
		{
			name: "malformed field id",
			mutate: func(s *Sync) {
				s.TableMappings[0].FieldMappings[0].SourceFieldID = "a'b"
			},
			wantErr: true,
		},
		{
			name: "trigger log source",
			mutate: func(s *Sync) {
				s.Source = SourceConfig{Kind: CaptureTriggerLog, TriggerLog: &TriggerLogConfig{Dialect: "sqlite", DSN: ":memory:"}}
			},
			wantErr: false,
		},
		{
			name: "unsupported dialect",
			mutate: func(s *Sync) {
				s.Source = SourceConfig{Kind: CaptureTriggerLog, TriggerLog: &TriggerLogConfig{Dialect: "oracle", DSN: "x"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := pollSync()
			tt.mutate(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				assert.True(t, terr.Is(err, &terr.ConfigurationError))
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]SyncStatus]bool{
		{SyncDraft, SyncActive}:  true,
		{SyncActive, SyncPaused}: true,
		{SyncActive, SyncError}:  true,
		{SyncPaused, SyncActive}: true,
	}
	all := []SyncStatus{SyncDraft, SyncActive, SyncPaused, SyncError}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]SyncStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	d, err := ParseSchedule("hourly")
	assert.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	d, err = ParseSchedule(" 15m ")
	assert.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	_, err = ParseSchedule("")
	assert.Error(t, err)
}

func TestIsDue(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := pollSync()
	assert.False(t, s.IsDue(now), "draft syncs never run")

	s.Status = SyncActive
	assert.True(t, s.IsDue(now), "never scheduled")

	last := now.Add(-10 * time.Minute)
	s.LastScheduledAt = &last
	assert.False(t, s.IsDue(now))

	last = now.Add(-15 * time.Minute)
	assert.True(t, s.IsDue(now))

	s.Source = SourceConfig{Kind: CaptureWebhook, Webhook: &WebhookConfig{}}
	assert.False(t, s.IsDue(now), "push syncs are not polled")
}

func TestJobTransitions(t *testing.T) {
	now := time.Now()
	job := &SyncJob{ID: "j1", Status: JobPending}
	assert.NoError(t, job.apply(JobRunning, 10, "", now))
	assert.NotNil(t, job.StartedAt)
	assert.NoError(t, job.apply(JobRunning, 150, "", now))
	assert.Equal(t, 100, job.Progress)
	assert.NoError(t, job.apply(JobCompleted, 0, "", now))
	assert.NotNil(t, job.FinishedAt)

	err := job.apply(JobRunning, 0, "", now)
	assert.True(t, terr.Is(err, &terr.InvalidTransition))
}

func TestValidateSourceConfigJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "poll", raw: `{"kind":"poll","poll":{"baseURL":"https://api.example.com","pathTemplate":"/t"}}`, wantErr: false},
		{name: "webhook", raw: `{"kind":"webhook","webhook":{"provider":"shopify"}}`, wantErr: false},
		{name: "kind without variant", raw: `{"kind":"trigger_log"}`, wantErr: true},
		{name: "wrong variant", raw: `{"kind":"poll","webhook":{}}`, wantErr: true},
		{name: "bad scheme", raw: `{"kind":"poll","poll":{"baseURL":"ftp://x","pathTemplate":"/t"}}`, wantErr: true},
		{name: "not json", raw: `{kind`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSourceConfigJSON([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSourceConfigJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
