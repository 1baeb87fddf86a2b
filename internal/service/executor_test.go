package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Guizzs26/erp-table-sync/internal/models"
)

var customerCols = []models.Column{
	{Name: "name", Type: models.TypeText},
	{Name: "city", Type: models.TypeShortText},
}

func srcRows(pairs ...string) []models.SourceRecord {
	out := make([]models.SourceRecord, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.SourceRecord{
			BusinessKey: pairs[i],
			Fields:      map[string]any{"name": pairs[i+1], "city": "Recife"},
		})
	}
	return out
}

type executorFixture struct {
	repo  *fakeRepo
	exec  *Executor
	clock *fakeClock
}

func newExecutorFixture(t *testing.T, batchSize int, cols ...models.Column) *executorFixture {
	t.Helper()
	if len(cols) == 0 {
		cols = customerCols
	}
	repo := newFakeRepo()
	repo.addTable(1, "customers", cols...)

	clock := newFakeClock()
	exec := NewExecutor(repo, batchSize, discardLogger())
	exec.now = clock.Now
	return &executorFixture{repo: repo, exec: exec, clock: clock}
}

func (f *executorFixture) mustExecute(t *testing.T, src []models.SourceRecord, st models.SyncType) *models.SyncRun {
	t.Helper()
	run, err := f.exec.Execute(context.Background(), 1, src, st)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	return run
}

func TestExecuteIsIdempotentOnUnchangedSource(t *testing.T) {
	f := newExecutorFixture(t, 200)

	first := f.mustExecute(t, srcRows("A", "Alpha", "B", "Beta"), models.SyncTypeScheduled)
	if first.Status != models.RunStatusCompleted || first.RecordsCreated != 2 {
		t.Fatalf("first run = %+v, want completed with 2 created", first)
	}
	before := *f.repo.record("customers", "A")

	second := f.mustExecute(t, srcRows("A", "Alpha", "B", "Beta"), models.SyncTypeScheduled)
	if second.RecordsUpdated != 0 || second.RecordsCreated != 0 {
		t.Errorf("second run updated=%d created=%d, want 0/0", second.RecordsUpdated, second.RecordsCreated)
	}
	if second.RecordsProcessed != 2 {
		t.Errorf("second run processed = %d, want 2", second.RecordsProcessed)
	}

	after := f.repo.record("customers", "A")
	if after.Hash != before.Hash || after.PrevHash != nil {
		t.Errorf("hashes moved on unchanged data: before=%s after=%s prev=%v", before.Hash, after.Hash, after.PrevHash)
	}
	if !after.LastSyncedAt.After(before.LastSyncedAt) {
		t.Errorf("last_synced_at not refreshed: %v -> %v", before.LastSyncedAt, after.LastSyncedAt)
	}
	if *after.LastSyncID != second.ID || after.WasUpdated || after.IsNew {
		t.Errorf("touch left wrong flags: %+v", after)
	}
}

func TestExecuteUpdatesChangedRecords(t *testing.T) {
	f := newExecutorFixture(t, 200)

	f.mustExecute(t, srcRows("A", "Alpha", "B", "Beta"), models.SyncTypeManual)
	oldHash := f.repo.record("customers", "B").Hash

	run := f.mustExecute(t, srcRows("A", "Alpha", "B", "Beta Ltda"), models.SyncTypeManual)
	if run.RecordsUpdated != 1 {
		t.Fatalf("RecordsUpdated = %d, want 1", run.RecordsUpdated)
	}

	b := f.repo.record("customers", "B")
	if b.PrevHash == nil || *b.PrevHash != oldHash {
		t.Errorf("previous hash = %v, want %s", b.PrevHash, oldHash)
	}
	if b.Hash == oldHash || !b.WasUpdated || b.IsNew {
		t.Errorf("updated record flags wrong: %+v", b)
	}
	if b.Values["name"] != "Beta Ltda" {
		t.Errorf("business column not refreshed: %v", b.Values)
	}
}

func TestExecuteSoftDeletesAbsentAndRestoresReappearing(t *testing.T) {
	f := newExecutorFixture(t, 200)

	f.mustExecute(t, srcRows("A", "a", "B", "b", "C", "c"), models.SyncTypeScheduled)

	run := f.mustExecute(t, srcRows("A", "a", "B", "b"), models.SyncTypeCSV)
	if run.RecordsDeleted != 1 {
		t.Errorf("RecordsDeleted = %d, want 1", run.RecordsDeleted)
	}
	c := f.repo.record("customers", "C")
	if !c.PendingDeletion || c.PendingDeletionAt == nil {
		t.Fatalf("C not flagged for deletion: %+v", c)
	}
	if f.repo.record("customers", "A").PendingDeletion {
		t.Error("present record A flagged for deletion")
	}

	f.mustExecute(t, srcRows("A", "a", "B", "b", "C", "c"), models.SyncTypeScheduled)
	c = f.repo.record("customers", "C")
	if c.PendingDeletion || c.PendingDeletionAt != nil {
		t.Errorf("reappearing C still flagged: %+v", c)
	}
}

func TestExecuteKeepsLastDuplicate(t *testing.T) {
	f := newExecutorFixture(t, 200)

	run := f.mustExecute(t, srcRows("A", "first", "A", "second"), models.SyncTypeCSV)
	if run.TotalRecords != 2 || run.RecordsCreated != 1 {
		t.Errorf("total=%d created=%d, want 2/1", run.TotalRecords, run.RecordsCreated)
	}
	if got := f.repo.record("customers", "A").Values["name"]; got != "second" {
		t.Errorf("stored name = %v, want second", got)
	}
}

func TestExecuteContinuesAfterFailedBatch(t *testing.T) {
	f := newExecutorFixture(t, 2)
	f.mustExecute(t, srcRows("Z", "zulu"), models.SyncTypeScheduled)

	f.repo.beforeBatch = func(call int) error {
		if call == 3 { // second batch of the next run
			return errors.New("deadlock detected")
		}
		return nil
	}

	run := f.mustExecute(t, srcRows("A", "a", "B", "b", "C", "c", "D", "d", "E", "e"), models.SyncTypeScheduled)
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if run.RecordsProcessed != 3 || run.RecordsCreated != 3 {
		t.Errorf("processed=%d created=%d, want 3/3", run.RecordsProcessed, run.RecordsCreated)
	}
	if run.ErrorMessage == nil || !strings.Contains(*run.ErrorMessage, "deadlock") {
		t.Errorf("ErrorMessage = %v, want batch error", run.ErrorMessage)
	}
	if f.repo.record("customers", "C") != nil {
		t.Error("record from the failed batch was written")
	}
	if f.repo.record("customers", "Z").PendingDeletion {
		t.Error("soft-delete marking ran despite a failed batch")
	}
}

func TestExecuteFailsWhenNoBatchCommits(t *testing.T) {
	f := newExecutorFixture(t, 1)
	f.repo.beforeBatch = func(int) error { return errors.New("connection reset") }

	run := f.mustExecute(t, srcRows("A", "a", "B", "b"), models.SyncTypeManual)
	if run.Status != models.RunStatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if run.ErrorMessage == nil || *run.ErrorMessage == "" {
		t.Error("failed run without error message")
	}
	if run.FinishedAt == nil {
		t.Error("failed run without finished_at")
	}
}

func TestExecuteRejectsConcurrentRun(t *testing.T) {
	f := newExecutorFixture(t, 200)

	var nestedErr error
	f.repo.beforeBatch = func(int) error {
		_, nestedErr = f.exec.Execute(context.Background(), 1, srcRows("X", "x"), models.SyncTypeManual)
		return nil
	}
	f.mustExecute(t, srcRows("A", "a"), models.SyncTypeScheduled)

	if !errors.Is(nestedErr, models.ErrRunInProgress) {
		t.Errorf("nested Execute() error = %v, want ErrRunInProgress", nestedErr)
	}
}

func TestExecuteRejectsWhenAnotherProcessIsRunning(t *testing.T) {
	f := newExecutorFixture(t, 200)
	if _, err := f.repo.CreateRun(context.Background(), models.SyncRun{TargetTableID: 1, SyncType: models.SyncTypeScheduled}); err != nil {
		t.Fatal(err)
	}

	_, err := f.exec.Execute(context.Background(), 1, srcRows("A", "a"), models.SyncTypeManual)
	if !errors.Is(err, models.ErrRunInProgress) {
		t.Errorf("Execute() error = %v, want ErrRunInProgress", err)
	}
}

func TestExecuteUnknownTable(t *testing.T) {
	f := newExecutorFixture(t, 200)
	_, err := f.exec.Execute(context.Background(), 99, srcRows("A", "a"), models.SyncTypeManual)
	if !errors.Is(err, models.ErrTableNotFound) {
		t.Errorf("Execute() error = %v, want ErrTableNotFound", err)
	}
}

func TestForceTerminateWinsOverLateCompletion(t *testing.T) {
	f := newExecutorFixture(t, 200)
	monitor := NewMonitor(f.repo, DefaultLongRunning, nil, discardLogger())

	f.repo.beforeBatch = func(int) error {
		running, _ := f.repo.ListRunningRuns(context.Background())
		if _, err := monitor.ForceTerminate(context.Background(), running[0].ID); err != nil {
			t.Errorf("ForceTerminate() error = %v", err)
		}
		return nil
	}

	run := f.mustExecute(t, srcRows("A", "a"), models.SyncTypeScheduled)
	if run.Status != models.RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.ErrorMessage == nil || *run.ErrorMessage != models.TerminatedByOperator {
		t.Errorf("ErrorMessage = %v, want %q", run.ErrorMessage, models.TerminatedByOperator)
	}
}

func TestExecuteStopsAfterTermination(t *testing.T) {
	f := newExecutorFixture(t, 1)
	monitor := NewMonitor(f.repo, DefaultLongRunning, nil, discardLogger())

	f.repo.beforeBatch = func(call int) error {
		if call == 1 {
			running, _ := f.repo.ListRunningRuns(context.Background())
			if _, err := monitor.ForceTerminate(context.Background(), running[0].ID); err != nil {
				t.Errorf("ForceTerminate() error = %v", err)
			}
		}
		return nil
	}

	run := f.mustExecute(t, srcRows("A", "a", "B", "b", "C", "c"), models.SyncTypeScheduled)
	if run.Status != models.RunStatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if f.repo.batchCalls != 1 {
		t.Errorf("batches written = %d, want 1", f.repo.batchCalls)
	}
	if f.repo.record("customers", "B") != nil {
		t.Error("executor kept writing after termination")
	}
}

type flakyFetcher struct {
	calls int
	fail  map[string]bool
}

func (f *flakyFetcher) Fetch(_ context.Context, _ *models.TargetTable, key, _ string) error {
	f.calls++
	if f.fail[key] {
		return errors.New("blob storage unavailable")
	}
	return nil
}

func TestExecuteExcludesBinaryColumns(t *testing.T) {
	cols := append([]models.Column{{Name: "photo", Type: models.TypeBinary}}, customerCols...)
	f := newExecutorFixture(t, 200, cols...)
	fetcher := &flakyFetcher{fail: map[string]bool{"B": true}}
	f.exec.WithBinaryFetcher(fetcher)

	src := srcRows("A", "a", "B", "b")
	src[0].Fields["photo"] = []byte{0xFF}

	run := f.mustExecute(t, src, models.SyncTypeScheduled)
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if len(run.ExcludedBinaryFields) != 1 || run.ExcludedBinaryFields[0] != "photo" {
		t.Errorf("ExcludedBinaryFields = %v, want [photo]", run.ExcludedBinaryFields)
	}
	if run.BinaryDownloadErrors != 1 || fetcher.calls != 2 {
		t.Errorf("binary errors=%d calls=%d, want 1/2", run.BinaryDownloadErrors, fetcher.calls)
	}
	if _, ok := f.repo.record("customers", "A").Values["photo"]; ok {
		t.Error("binary value travelled through the row path")
	}

	// unchanged records are not re-fetched
	f.mustExecute(t, src, models.SyncTypeScheduled)
	if fetcher.calls != 2 {
		t.Errorf("fetcher calls after unchanged re-sync = %d, want 2", fetcher.calls)
	}
}

func TestChunk(t *testing.T) {
	writes := make([]models.RecordWrite, 5)
	got := chunk(writes, 2)
	if len(got) != 3 || len(got[2]) != 1 {
		t.Errorf("chunk(5, 2) sizes = %d batches, last %d", len(got), len(got[len(got)-1]))
	}
	if chunk(nil, 2) != nil {
		t.Error("chunk(nil) should be nil")
	}
}

func TestExecuteSoftDeletesDespiteKeylessRows(t *testing.T) {
	f := newExecutorFixture(t, 200)
	f.mustExecute(t, srcRows("A", "a", "B", "b", "C", "c"), models.SyncTypeScheduled)

	// every snapshot carries the same key-less ERP row
	src := append(srcRows("A", "a", "B", "b"), models.SourceRecord{BusinessKey: "  ", Fields: map[string]any{"name": "orphan"}})
	run := f.mustExecute(t, src, models.SyncTypeScheduled)

	if run.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %s, want completed", run.Status)
	}
	if run.RecordsDeleted != 1 || !f.repo.record("customers", "C").PendingDeletion {
		t.Errorf("absent C not flagged: deleted = %d", run.RecordsDeleted)
	}
	if run.ErrorMessage == nil || !strings.Contains(*run.ErrorMessage, "without business key") {
		t.Errorf("ErrorMessage = %v, want the rejected row reported", run.ErrorMessage)
	}
}

func TestExecuteKeepsFlagsWhenOnlyKeylessRows(t *testing.T) {
	f := newExecutorFixture(t, 200)
	f.mustExecute(t, srcRows("A", "a"), models.SyncTypeScheduled)

	run := f.mustExecute(t, []models.SourceRecord{{BusinessKey: "", Fields: map[string]any{"name": "x"}}}, models.SyncTypeScheduled)
	if run.RecordsDeleted != 0 || f.repo.record("customers", "A").PendingDeletion {
		t.Errorf("snapshot of rejected rows flagged A for deletion: deleted = %d", run.RecordsDeleted)
	}
}

func TestExecuteSkipsSoftDeleteWhenKeyedRowCannotBeHashed(t *testing.T) {
	f := newExecutorFixture(t, 200)
	f.mustExecute(t, srcRows("A", "a", "B", "b", "C", "c"), models.SyncTypeScheduled)

	src := srcRows("A", "a")
	src = append(src, models.SourceRecord{BusinessKey: "B", Fields: map[string]any{"name": make(chan int)}})
	run := f.mustExecute(t, src, models.SyncTypeScheduled)

	if run.RecordsDeleted != 0 {
		t.Errorf("RecordsDeleted = %d, want 0 with an unhashable keyed row", run.RecordsDeleted)
	}
	if f.repo.record("customers", "B").PendingDeletion || f.repo.record("customers", "C").PendingDeletion {
		t.Error("records flagged from an incomplete snapshot")
	}
}
