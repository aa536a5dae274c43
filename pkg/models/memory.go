package models

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
)

// MemoryStore is a single process Repository. One mutex guards every map, so the
// active-job check and the insert happen atomically.
type MemoryStore struct {
	mu      sync.Mutex
	syncs   map[string]*Sync
	jobs    map[string]*SyncJob
	cursors map[[2]string]CursorRow
	changes map[string][]StagedChange
	dedup   map[string]map[string]bool
	nextID  uint64
	now     func() time.Time
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		syncs:   map[string]*Sync{},
		jobs:    map[string]*SyncJob{},
		cursors: map[[2]string]CursorRow{},
		changes: map[string][]StagedChange{},
		dedup:   map[string]map[string]bool{},
		now:     time.Now,
	}
}

func (m *MemoryStore) CreateSync(_ context.Context, sync *Sync) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sync.ID == "" {
		sync.ID = uuid.NewString()
	}
	if _, ok := m.syncs[sync.ID]; ok {
		return terr.Wrapf(&terr.ConfigurationError, "sync %s already exists", sync.ID)
	}
	now := m.now()
	sync.CreatedAt, sync.UpdatedAt = now, now
	m.syncs[sync.ID] = sync.DeepCopy()
	return nil
}

func (m *MemoryStore) GetSync(_ context.Context, id string) (*Sync, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.syncs[id]
	if !ok || s.DeletedAt.Valid {
		return nil, terr.Wrapf(&terr.NotFound, "sync %s", id)
	}
	return s.DeepCopy(), nil
}

func (m *MemoryStore) ListSyncs(_ context.Context, teamID string) ([]Sync, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sync
	for _, s := range m.syncs {
		if s.DeletedAt.Valid || (teamID != "" && s.TeamID != teamID) {
			continue
		}
		out = append(out, *s.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetActiveSyncsDueForRun(ctx context.Context, now time.Time) ([]Sync, error) {
	all, err := m.ListSyncs(ctx, "")
	if err != nil {
		return nil, err
	}
	var due []Sync
	for _, s := range all {
		if s.IsDue(now) {
			due = append(due, s)
		}
	}
	return due, nil
}

func (m *MemoryStore) UpdateSyncStatus(_ context.Context, id string, to SyncStatus, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.syncs[id]
	if !ok || s.DeletedAt.Valid {
		return terr.Wrapf(&terr.NotFound, "sync %s", id)
	}
	if !CanTransition(s.Status, to) {
		return invalidTransition(id, s.Status, to)
	}
	s.Status = to
	s.ErrorMessage = msg
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkScheduled(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.syncs[id]
	if !ok || s.DeletedAt.Valid {
		return terr.Wrapf(&terr.NotFound, "sync %s", id)
	}
	s.LastScheduledAt = &at
	return nil
}

func (m *MemoryStore) DeleteSync(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.syncs[id]
	if !ok || s.DeletedAt.Valid {
		return terr.Wrapf(&terr.NotFound, "sync %s", id)
	}
	s.DeletedAt.Time = m.now()
	s.DeletedAt.Valid = true
	return nil
}

func (m *MemoryStore) UpsertJobIfNoneActive(_ context.Context, job *SyncJob) (*SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Status.Active() {
		for _, existing := range m.jobs {
			if existing.SyncID == job.SyncID && existing.TeamID == job.TeamID && existing.Status.Active() {
				return nil, nil
			}
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = m.now()
	stored := *job
	m.jobs[job.ID] = &stored
	return job, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, terr.Wrapf(&terr.NotFound, "job %s", id)
	}
	job := *j
	return &job, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, syncID string, limit int) ([]SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SyncJob
	for _, j := range m.jobs {
		if j.SyncID == syncID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, id string, status JobStatus, progress int, msg string) (*SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, terr.Wrapf(&terr.NotFound, "job %s", id)
	}
	if err := j.apply(status, progress, msg, m.now()); err != nil {
		return nil, err
	}
	job := *j
	return &job, nil
}

func (m *MemoryStore) GetCursor(_ context.Context, syncID, tableID string) (*CursorRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.cursors[[2]string{syncID, tableID}]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (m *MemoryStore) SetCursor(_ context.Context, row *CursorRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.UpdatedAt = m.now()
	m.cursors[[2]string{row.SyncID, row.TableID}] = *row
	return nil
}

func (m *MemoryStore) DeleteCursor(_ context.Context, syncID, tableID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, [2]string{syncID, tableID})
	return nil
}

func (m *MemoryStore) ListCursors(_ context.Context, syncID string) ([]CursorRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CursorRow
	for key, row := range m.cursors {
		if key[0] == syncID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableID < out[j].TableID })
	return out, nil
}

func (m *MemoryStore) StageChanges(_ context.Context, syncID string, records []ChangeRecord) (int, error) {
	staged := make([]StagedChange, 0, len(records))
	for _, r := range records {
		sc, err := toStagedChange(syncID, r)
		if err != nil {
			return 0, err
		}
		staged = append(staged, sc)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.dedup[syncID]
	if seen == nil {
		seen = map[string]bool{}
		m.dedup[syncID] = seen
	}
	inserted := 0
	for _, sc := range staged {
		if seen[sc.DedupKey] {
			continue
		}
		seen[sc.DedupKey] = true
		m.nextID++
		sc.ID = m.nextID
		sc.CreatedAt = m.now()
		m.changes[syncID] = append(m.changes[syncID], sc)
		inserted++
	}
	return inserted, nil
}

func (m *MemoryStore) ListStagedChanges(_ context.Context, syncID string, limit int) ([]StagedChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.changes[syncID]
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	return append([]StagedChange(nil), src...), nil
}

// Row decodes the staged payload back into a column map.
func (sc StagedChange) Row() (map[string]interface{}, error) {
	row := map[string]interface{}{}
	if len(sc.Payload) == 0 {
		return row, nil
	}
	err := json.Unmarshal(sc.Payload, &row)
	return row, err
}
