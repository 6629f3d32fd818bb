package query

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/appointment-scheduler/internal/artifacts"
	"github.com/example/appointment-scheduler/internal/checkpoint"
	"github.com/example/appointment-scheduler/internal/emodal"
	"github.com/example/appointment-scheduler/internal/internaltypes"
	"github.com/example/appointment-scheduler/internal/inventory"
	"github.com/example/appointment-scheduler/internal/jobs"
)

func rowOf(t *testing.T, s *inventory.Sheet, id string) int {
	t.Helper()
	for _, it := range s.Items() {
		if it.ID == id {
			return it.Row
		}
	}
	t.Fatalf("container %s not in sheet", id)
	return -1
}

func TestEndToEndTwoItems(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	j, err := h.orch.Start(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, j.Status)

	stats, err := h.orch.Execute(ctx, j)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalContainers)
	assert.Equal(t, 2, stats.FilteredContainers)
	assert.Equal(t, 2, stats.CheckedContainers)
	assert.Zero(t, stats.FailedChecks)
	assert.Zero(t, stats.SkippedContainers)
	assert.Equal(t, 1, stats.BulkImportCount)
	assert.Equal(t, 1, stats.BulkExportCount)
	assert.Equal(t, 1, stats.TotalAppointments)

	stored, err := h.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Stats)
	assert.Equal(t, 2, stored.Stats.CheckedContainers)

	folder := artifacts.Folder(j.FolderPath)
	sheet, err := inventory.Open(folder.Path(artifacts.FilteredContainers))
	require.NoError(t, err)
	require.Equal(t, 2, sheet.Len())

	imp := rowOf(t, sheet, "MSCU1000001")
	assert.Equal(t, "10/10/2025", sheet.Get(imp, inventory.ColBefore))
	assert.Equal(t, inventory.Placeholder, sheet.Get(imp, inventory.ColAfter))
	assert.Equal(t, "10/01/2025", sheet.Get(imp, inventory.ColManifested))
	assert.Equal(t, "Not Found", sheet.Get(imp, inventory.ColDeparted))

	exp := rowOf(t, sheet, "TGHU2000002")
	assert.NotEqual(t, inventory.Placeholder, sheet.Get(exp, inventory.ColBefore))
	assert.Equal(t, inventory.Placeholder, sheet.Get(exp, inventory.ColManifested))

	// import checks carry the container id, export checks the booking number
	require.Len(t, h.svc.checks, 2)
	byType := map[string]map[string]any{}
	for _, c := range h.svc.checks {
		byType[c["container_type"].(string)] = c
	}
	assert.Equal(t, "MSCU1000001", byType["import"]["container_id"])
	assert.Equal(t, "PICK FULL", byType["import"]["move_type"])
	assert.Equal(t, "ITS Long Beach", byType["import"]["terminal"])
	assert.Equal(t, "BK-TGHU2000002", byType["export"]["booking_number"])
	assert.Equal(t, "DROP FULL", byType["export"]["move_type"])
	assert.Equal(t, "ABC123", byType["export"]["truck_plate"])
	assert.NotContains(t, byType["export"], "container_id")

	responses, _ := filepath.Glob(filepath.Join(folder.ResponsesDir(), "*.json"))
	shots, _ := filepath.Glob(filepath.Join(folder.ScreenshotsDir(), "*.png"))
	assert.Len(t, responses, 2)
	assert.Len(t, shots, 2)

	assert.FileExists(t, folder.Path(artifacts.BulkInfo))
	assert.FileExists(t, folder.Path(artifacts.AllAppointments))
	assert.FileExists(t, filepath.Join(h.store.TenantDir(7), artifacts.AllContainers))
	assert.FileExists(t, filepath.Join(h.store.TenantDir(7), artifacts.AllAppointments))

	st, err := checkpoint.Replay(ctx, checkpoint.FileOpener()(j.ID, j.FolderPath))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"MSCU1000001", "TGHU2000002"}, st.Processed())
}

func TestInvalidSessionOnInventoryRecoversOnce(t *testing.T) {
	h := newHarness(t)
	h.svc.rejectFirst["get_containers"] = 1
	ctx := context.Background()

	j, err := h.orch.Start(ctx, 1)
	require.NoError(t, err)
	_, err = h.orch.Execute(ctx, j)
	require.NoError(t, err)

	assert.Equal(t, 1, h.sessions.recovers)
	assert.Equal(t, 2, h.svc.count("get_containers"))
}

func TestPersistentInvalidSessionIsBounded(t *testing.T) {
	h := newHarness(t)
	h.svc.rejectFirst["get_containers"] = 100
	ctx := context.Background()

	j, err := h.orch.Start(ctx, 1)
	require.NoError(t, err)
	_, err = h.orch.Execute(ctx, j)
	require.ErrorIs(t, err, internaltypes.ErrSessionInvalid)

	assert.Equal(t, 1, h.sessions.recovers)
	assert.Equal(t, 2, h.svc.count("get_containers"))
	stored, _ := h.jobs.Get(ctx, j.ID)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
}

func TestItemSessionRecoveryRetriesSameItem(t *testing.T) {
	h := newHarness(t)
	h.svc.rejectFirst["check_appointments"] = 1
	ctx := context.Background()

	j, err := h.orch.Start(ctx, 1)
	require.NoError(t, err)
	stats, err := h.orch.Execute(ctx, j)
	require.NoError(t, err)

	assert.Equal(t, 1, h.sessions.recovers)
	assert.Equal(t, 3, h.svc.count("check_appointments"))
	assert.Equal(t, 2, stats.CheckedContainers)
}

func TestAuthFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.sessions.ensureErr = internaltypes.ErrAuth
	ctx := context.Background()

	j, err := h.orch.Start(ctx, 1)
	require.NoError(t, err)
	_, err = h.orch.Execute(ctx, j)
	require.ErrorIs(t, err, internaltypes.ErrAuth)

	stored, _ := h.jobs.Get(ctx, j.ID)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
	assert.Zero(t, h.svc.count("get_containers"))
}

func TestFailedBulkMarksItemsFailed(t *testing.T) {
	h := newHarness(t)
	h.svc.bulkStatus = http.StatusInternalServerError
	ctx := context.Background()

	j, err := h.orch.Start(ctx, 1)
	require.NoError(t, err)
	stats, err := h.orch.Execute(ctx, j)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.FailedChecks)
	assert.Zero(t, stats.CheckedContainers)
	assert.Zero(t, h.svc.count("check_appointments"))
	assert.Equal(t, 2, h.svc.count("get_info_bulk"))
	assert.NoFileExists(t, artifacts.Folder(j.FolderPath).Path(artifacts.BulkInfo))
}

func TestCheckpointSkipsProcessedItems(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	j, err := h.orch.Start(ctx, 1)
	require.NoError(t, err)
	_, err = h.store.Prepare(1, j.ID)
	require.NoError(t, err)
	cp := checkpoint.FileOpener()(j.ID, j.FolderPath)
	require.NoError(t, cp.Append(ctx, checkpoint.Entry{ItemID: "MSCU1000001", Outcome: checkpoint.OutcomeChecked}))

	stats, err := h.orch.Execute(ctx, j)
	require.NoError(t, err)

	assert.Equal(t, 1, h.svc.count("check_appointments"))
	assert.Equal(t, 1, stats.SkippedContainers)
	assert.Equal(t, 2, stats.CheckedContainers)
}

// cancelAfter cancels the run after the n-th appended entry.
type cancelAfter struct {
	checkpoint.Log
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfter) Append(ctx context.Context, e checkpoint.Entry) error {
	err := c.Log.Append(ctx, e)
	c.n--
	if c.n == 0 {
		c.cancel()
	}
	return err
}

func TestResumeAfterInterruptDoesNotRepeatCalls(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	files := checkpoint.FileOpener()
	h.orch.Checkpoints = func(jobID, folder string) checkpoint.Log {
		return &cancelAfter{Log: files(jobID, folder), n: 1, cancel: cancel}
	}

	j, err := h.orch.Start(ctx, 1)
	require.NoError(t, err)
	_, err = h.orch.Execute(ctx, j)
	require.ErrorIs(t, err, context.Canceled)

	stored, _ := h.jobs.Get(context.Background(), j.ID)
	assert.Equal(t, jobs.StatusInProgress, stored.Status)
	assert.Equal(t, 1, h.svc.count("check_appointments"))

	h.orch.Checkpoints = files
	stats, err := h.orch.Resume(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, h.svc.count("check_appointments"))
	assert.Equal(t, 1, h.svc.count("get_containers"))
	assert.Equal(t, 1, h.svc.count("get_info_bulk"))
	assert.Equal(t, 1, stats.SkippedContainers)
	assert.Equal(t, 2, stats.CheckedContainers)
	assert.Equal(t, 2, stats.FilteredContainers)

	stored, _ = h.jobs.Get(context.Background(), j.ID)
	assert.Equal(t, jobs.StatusCompleted, stored.Status)
}

func TestExecuteRejectsFinishedJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Execute(context.Background(), jobs.Job{ID: "1_1", TenantID: 1, Status: jobs.StatusCompleted})
	assert.ErrorIs(t, err, ErrFinished)
}

func TestParamsUnknownTrade(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.orch.params(inventory.Item{ID: "X", Trade: inventory.TradeUnknown}, emodal.BulkResult{})
	assert.ErrorIs(t, err, internaltypes.ErrData)
}

func TestStorageRootUnwritableFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j, err := h.orch.Start(ctx, 1)
	require.NoError(t, err)

	// a file where the tenant directory should be
	require.NoError(t, os.MkdirAll(filepath.Dir(h.store.TenantDir(1)), 0o755))
	require.NoError(t, os.WriteFile(h.store.TenantDir(1), []byte("x"), 0o644))

	_, err = h.orch.Execute(ctx, j)
	require.ErrorIs(t, err, internaltypes.ErrStorage)
	stored, _ := h.jobs.Get(ctx, j.ID)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
}

func TestForbiddenCheckFailsOnlyThatItem(t *testing.T) {
	h := newHarness(t)
	h.svc.checkStatus = []int{http.StatusForbidden}
	ctx := context.Background()

	j, err := h.orch.Start(ctx, 1)
	require.NoError(t, err)
	stats, err := h.orch.Execute(ctx, j)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FailedChecks)
	assert.Equal(t, 1, stats.CheckedContainers)
	assert.Equal(t, 2, h.svc.count("check_appointments"))
	assert.Equal(t, 1, h.svc.count("get_appointments"))
	assert.Zero(t, h.sessions.recovers)

	stored, _ := h.jobs.Get(ctx, j.ID)
	assert.Equal(t, jobs.StatusCompleted, stored.Status)

	st, err := checkpoint.Replay(ctx, checkpoint.FileOpener()(j.ID, j.FolderPath))
	require.NoError(t, err)
	checked, failed := st.Counts()
	assert.Equal(t, 1, checked)
	assert.Equal(t, 1, failed)
}

func TestNoSlotsLeavesAvailabilityPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.svc.noSlots = true
	ctx := context.Background()

	j, err := h.orch.Start(ctx, 1)
	require.NoError(t, err)
	stats, err := h.orch.Execute(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CheckedContainers)

	sheet, err := inventory.Open(artifacts.Folder(j.FolderPath).Path(artifacts.FilteredContainers))
	require.NoError(t, err)
	for _, id := range []string{"MSCU1000001", "TGHU2000002"} {
		row := rowOf(t, sheet, id)
		assert.Equal(t, inventory.Placeholder, sheet.Get(row, inventory.ColBefore), id)
		assert.Equal(t, inventory.Placeholder, sheet.Get(row, inventory.ColAfter), id)
	}
}

func TestCompletionWriteFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t)
	h.jobs.completeErr = errors.New("connection reset")
	ctx := context.Background()

	j, err := h.orch.Start(ctx, 1)
	require.NoError(t, err)
	_, err = h.orch.Execute(ctx, j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record completion")

	stored, _ := h.jobs.Get(ctx, j.ID)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "connection reset")
}
