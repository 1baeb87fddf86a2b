package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type localRecord struct {
	Values            map[string]any
	Hash              string
	PrevHash          *string
	IsNew             bool
	WasUpdated        bool
	LastSyncID        *int64
	LastSyncedAt      time.Time
	PendingDeletion   bool
	PendingDeletionAt *time.Time
}

// fakeRepo keeps control tables and mirrored tables in memory
type fakeRepo struct {
	mu      sync.Mutex
	tables  map[int64]*models.TargetTable
	runs    map[int64]*models.SyncRun
	nextRun int64
	records map[string]map[string]*localRecord
	fields  map[int64]*models.PendingFieldDefinition
	nextFld int64

	batchCalls int
	// beforeBatch runs outside the lock before a batch is applied; a non-nil error fails it
	beforeBatch func(call int) error
	failField   map[string]error
	beforeApply func(def models.PendingFieldDefinition)
	blobs       map[string][]byte
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tables:  map[int64]*models.TargetTable{},
		runs:    map[int64]*models.SyncRun{},
		records: map[string]map[string]*localRecord{},
		fields:  map[int64]*models.PendingFieldDefinition{},
		blobs:   map[string][]byte{},
	}
}

func (f *fakeRepo) addTable(id int64, local string, cols ...models.Column) *models.TargetTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &models.TargetTable{ID: id, SourceTableName: "SRC_" + local, LocalTableName: local, SourceKeyColumn: "CODE", Columns: cols}
	f.tables[id] = t
	f.records[local] = map[string]*localRecord{}
	return t
}

func (f *fakeRepo) record(local, key string) *localRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[local][key]
}

func cloneRun(r *models.SyncRun) *models.SyncRun {
	c := *r
	c.ExcludedBinaryFields = append([]string(nil), r.ExcludedBinaryFields...)
	return &c
}

func (f *fakeRepo) GetTargetTable(_ context.Context, id int64) (*models.TargetTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[id]
	if !ok {
		return nil, models.ErrTableNotFound
	}
	c := *t
	c.Columns = append([]models.Column(nil), t.Columns...)
	return &c, nil
}

func (f *fakeRepo) CreateTargetTable(_ context.Context, source, local, key string) (*models.TargetTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tables {
		if t.LocalTableName == local {
			return t, nil
		}
	}
	id := int64(len(f.tables) + 1)
	t := &models.TargetTable{ID: id, SourceTableName: source, LocalTableName: local, SourceKeyColumn: key}
	f.tables[id] = t
	f.records[local] = map[string]*localRecord{}
	return t, nil
}

func (f *fakeRepo) CreateRun(_ context.Context, run models.SyncRun) (*models.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.TargetTableID == run.TargetTableID && r.Status == models.RunStatusRunning {
			return nil, models.ErrRunInProgress
		}
	}
	f.nextRun++
	run.ID = f.nextRun
	run.Status = models.RunStatusRunning
	f.runs[run.ID] = cloneRun(&run)
	return cloneRun(&run), nil
}

func (f *fakeRepo) GetRun(_ context.Context, id int64) (*models.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	return cloneRun(r), nil
}

func (f *fakeRepo) RunStatus(_ context.Context, id int64) (models.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return "", models.ErrRunNotFound
	}
	return r.Status, nil
}

func (f *fakeRepo) UpdateRunProgress(_ context.Context, run *models.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.runs[run.ID]
	if stored.Status != models.RunStatusRunning {
		return nil
	}
	stored.RecordsProcessed = run.RecordsProcessed
	stored.RecordsCreated = run.RecordsCreated
	stored.RecordsUpdated = run.RecordsUpdated
	return nil
}

func (f *fakeRepo) FinishRun(_ context.Context, run *models.SyncRun) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.runs[run.ID]
	if stored.Status != models.RunStatusRunning {
		return false, nil
	}
	f.runs[run.ID] = cloneRun(run)
	return true, nil
}

func (f *fakeRepo) LatestRun(_ context.Context, tableID int64) (*models.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.SyncRun
	for _, r := range f.runs {
		if r.TargetTableID != tableID {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) ||
			(r.StartedAt.Equal(latest.StartedAt) && r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneRun(latest), nil
}

func (f *fakeRepo) LatestCompletedRunID(_ context.Context, tableID int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var id int64
	for _, r := range f.runs {
		if r.TargetTableID == tableID && r.Status == models.RunStatusCompleted && r.ID > id {
			id = r.ID
		}
	}
	return id, id != 0, nil
}

func (f *fakeRepo) TerminateRun(_ context.Context, id int64, msg string, now time.Time) (*models.SyncRun, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, false, models.ErrRunNotFound
	}
	if r.Status != models.RunStatusRunning {
		return cloneRun(r), false, nil
	}
	r.Status = models.RunStatusFailed
	r.ErrorMessage = &msg
	r.FinishedAt = &now
	return cloneRun(r), true, nil
}

func (f *fakeRepo) ListRunningRuns(_ context.Context) ([]models.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SyncRun
	for _, r := range f.runs {
		if r.Status == models.RunStatusRunning {
			out = append(out, *cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) ExistingRecords(_ context.Context, local string, keys []string) (map[string]models.StoredRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := map[string]models.StoredRecord{}
	for _, k := range keys {
		if rec, ok := f.records[local][k]; ok {
			found[k] = models.StoredRecord{BusinessKey: k, RecordHash: rec.Hash, PendingDeletion: rec.PendingDeletion}
		}
	}
	return found, nil
}

func (f *fakeRepo) WriteBatch(_ context.Context, table *models.TargetTable, runID int64, syncedAt time.Time, writes []models.RecordWrite) error {
	f.mu.Lock()
	f.batchCalls++
	call := f.batchCalls
	hook := f.beforeBatch
	f.mu.Unlock()

	if hook != nil {
		if err := hook(call); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.records[table.LocalTableName]
	for _, w := range writes {
		id := runID
		switch w.Kind {
		case models.WriteInsert:
			if _, exists := recs[w.BusinessKey]; exists {
				return fmt.Errorf("duplicate key %s", w.BusinessKey)
			}
			recs[w.BusinessKey] = &localRecord{
				Values: w.Values, Hash: w.Hash, IsNew: true, WasUpdated: true,
				LastSyncID: &id, LastSyncedAt: syncedAt,
			}
		case models.WriteUpdate:
			rec := recs[w.BusinessKey]
			prev := rec.Hash
			rec.PrevHash = &prev
			rec.Hash = w.Hash
			rec.Values = w.Values
			rec.IsNew = false
			rec.WasUpdated = true
			rec.LastSyncID = &id
			rec.LastSyncedAt = syncedAt
			rec.PendingDeletion = false
			rec.PendingDeletionAt = nil
		case models.WriteTouch:
			rec := recs[w.BusinessKey]
			rec.IsNew = false
			rec.WasUpdated = false
			rec.LastSyncID = &id
			rec.LastSyncedAt = syncedAt
			rec.PendingDeletion = false
			rec.PendingDeletionAt = nil
		}
	}
	return nil
}

func (f *fakeRepo) MarkAbsent(_ context.Context, local string, runID int64, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, rec := range f.records[local] {
		if (rec.LastSyncID == nil || *rec.LastSyncID != runID) && !rec.PendingDeletion {
			rec.PendingDeletion = true
			at := now
			rec.PendingDeletionAt = &at
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) ClearStaleNewFlags(_ context.Context, local string, latest int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, rec := range f.records[local] {
		if rec.IsNew && (rec.LastSyncID == nil || *rec.LastSyncID != latest) {
			rec.IsNew = false
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) UpsertPendingField(_ context.Context, def models.PendingFieldDefinition) (*models.PendingFieldDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.fields {
		if existing.TargetTableID == def.TargetTableID && existing.FieldName == def.FieldName {
			c := *existing
			return &c, nil
		}
	}
	f.nextFld++
	def.ID = f.nextFld
	f.fields[def.ID] = &def
	c := def
	return &c, nil
}

func (f *fakeRepo) ListUnappliedFields(_ context.Context, tableID int64) ([]models.PendingFieldDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PendingFieldDefinition
	for _, def := range f.fields {
		if def.TargetTableID == tableID && def.AppliedAt == nil {
			out = append(out, *def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) ApplyField(_ context.Context, table *models.TargetTable, def models.PendingFieldDefinition) error {
	if f.beforeApply != nil {
		f.beforeApply(def)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failField[def.FieldName]; err != nil {
		return err
	}
	now := time.Now()
	stored := f.fields[def.ID]
	stored.AppliedAt = &now
	stored.LastError = nil
	t := f.tables[table.ID]
	t.Columns = append(t.Columns, models.Column{Name: def.FieldName, Type: def.BusinessType})
	return nil
}

func (f *fakeRepo) RecordFieldError(_ context.Context, id int64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields[id].LastError = &msg
	return nil
}

func (f *fakeRepo) StoreBinary(_ context.Context, local, key, field string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[local+"/"+key+"/"+field] = data
	return nil
}

// fakeClock advances one second per reading
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	return nil
}
