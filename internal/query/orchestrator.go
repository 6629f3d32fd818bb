// Package query runs one appointment query for a tenant: fetch the container
// listing, filter it, enrich it in bulk, check each container's appointment
// availability and fetch the booked appointments.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/appointment-scheduler/internal/artifacts"
	"github.com/example/appointment-scheduler/internal/checkpoint"
	"github.com/example/appointment-scheduler/internal/emodal"
	"github.com/example/appointment-scheduler/internal/internaltypes"
	"github.com/example/appointment-scheduler/internal/inventory"
	"github.com/example/appointment-scheduler/internal/jobs"
	"github.com/example/appointment-scheduler/internal/resolve"
	"github.com/example/appointment-scheduler/internal/retry"
	"github.com/example/appointment-scheduler/internal/telemetry"
)

type Remote interface {
	FetchInventory(ctx context.Context, token string) (emodal.InventorySnapshot, error)
	FetchAppointments(ctx context.Context, token string) (emodal.InventorySnapshot, error)
	FetchBulkInfo(ctx context.Context, token string, importIDs, exportIDs []string) (emodal.BulkResult, error)
	CheckAppointmentSlots(ctx context.Context, token string, p emodal.CheckParams) (emodal.AppointmentResult, error)
	Download(ctx context.Context, locator string, w io.Writer) (int64, error)
}

type Sessions interface {
	Ensure(ctx context.Context, tenantID int64) (string, error)
	Recover(ctx context.Context, tenantID int64, stale string) (string, error)
}

type JobStore interface {
	Create(ctx context.Context, j jobs.Job) error
	Get(ctx context.Context, id string) (jobs.Job, error)
	MarkInProgress(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, stats jobs.Stats) error
	Fail(ctx context.Context, id, msg string) error
}

type Stage string

const (
	StageCreated              Stage = "created"
	StageFetchingInventory    Stage = "fetching_inventory"
	StageFiltering            Stage = "filtering"
	StageEnriching            Stage = "enriching"
	StageCheckingItems        Stage = "checking_items"
	StageFetchingAppointments Stage = "fetching_appointments"
	StageCompleted            Stage = "completed"
	StageFailed               Stage = "failed"
)

// Milestones copied from the import timeline into the filtered sheet.
var sheetMilestones = []string{inventory.ColManifested, inventory.ColDeparted, inventory.ColEmptyReceived}

var (
	ErrNoBulkInfo = fmt.Errorf("no usable bulk info: %w", internaltypes.ErrData)
	ErrFinished   = errors.New("query: job already finished")
)

// Orchestrator drives query runs. Runs for one tenant must not overlap; the
// Runner enforces that.
type Orchestrator struct {
	Remote      Remote
	Sessions    Sessions
	Jobs        JobStore
	Store       *artifacts.Store
	Checkpoints checkpoint.Opener
	Tables      resolve.Tables
	Retry       retry.Policy
	SaveEvery   int
	TruckPlate  string
	OwnChassis  bool
	Logger      zerolog.Logger

	// Now is overridable in tests.
	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Start records a pending job for the tenant.
func (o *Orchestrator) Start(ctx context.Context, tenantID int64) (jobs.Job, error) {
	now := o.now().UTC()
	id := jobs.NewID(tenantID, now)
	j := jobs.Job{
		ID:         id,
		TenantID:   tenantID,
		Status:     jobs.StatusPending,
		FolderPath: o.Store.JobDir(tenantID, id),
		StartedAt:  now,
	}
	if err := o.Jobs.Create(ctx, j); err != nil {
		return jobs.Job{}, err
	}
	return j, nil
}

// Resume continues an in-progress job from its checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (jobs.Stats, error) {
	j, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return jobs.Stats{}, err
	}
	return o.Execute(ctx, j)
}

// run is the state of one execution.
type run struct {
	job    jobs.Job
	folder artifacts.Folder
	token  string
	stats  jobs.Stats
	log    zerolog.Logger
	stage  Stage
}

func (r *run) enter(s Stage) {
	r.stage = s
	telemetry.JobStage.WithLabelValues(string(s)).Inc()
	r.log.Info().Str("stage", string(s)).Msg("stage")
}

// Execute runs job to completion. A cancelled ctx stops the run between
// items and leaves the job in progress so Resume can pick it up; any other
// fatal error marks the job failed.
func (o *Orchestrator) Execute(ctx context.Context, job jobs.Job) (jobs.Stats, error) {
	if job.Status.Terminal() {
		return jobs.Stats{}, fmt.Errorf("%w: %s is %s", ErrFinished, job.ID, job.Status)
	}
	start := o.now()
	r := &run{
		job: job,
		log: o.Logger.With().Str("job_id", job.ID).Int64("tenant_id", job.TenantID).Logger(),
	}
	r.enter(StageCreated)

	telemetry.JobsStarted.Inc()
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	err := o.execute(ctx, r)
	r.stats.DurationSeconds = int64(o.now().Sub(start).Seconds())

	if err == nil {
		if err = o.Jobs.Complete(ctx, job.ID, r.stats); err != nil {
			err = fmt.Errorf("record completion: %w", err)
		}
	}

	switch {
	case err == nil:
		r.enter(StageCompleted)
		telemetry.JobsFinished.WithLabelValues(string(jobs.StatusCompleted)).Inc()
		r.log.Info().Interface("stats", r.stats).Msg("query completed")
		return r.stats, nil
	case ctx.Err() != nil:
		r.log.Warn().Err(err).Str("stage", string(r.stage)).Msg("query interrupted, left in progress")
		return r.stats, err
	default:
		r.log.Error().Err(err).Str("stage", string(r.stage)).Msg("query failed")
		r.enter(StageFailed)
		telemetry.JobsFinished.WithLabelValues(string(jobs.StatusFailed)).Inc()
		if ferr := o.Jobs.Fail(ctx, job.ID, err.Error()); ferr != nil {
			r.log.Error().Err(ferr).Msg("could not record failure")
		}
		return r.stats, err
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	folder, err := o.Store.Prepare(r.job.TenantID, r.job.ID)
	if err != nil {
		return err
	}
	r.folder = folder

	resumed := r.job.Status == jobs.StatusInProgress
	if !resumed {
		if err := o.Jobs.MarkInProgress(ctx, r.job.ID); err != nil {
			return err
		}
	}

	if r.token, err = o.Sessions.Ensure(ctx, r.job.TenantID); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	var (
		sheet *inventory.Sheet
		bulk  emodal.BulkResult
	)
	if resumed && artifacts.Exists(folder.Path(artifacts.FilteredContainers)) && artifacts.Exists(folder.Path(artifacts.BulkInfo)) {
		sheet, bulk, err = o.reload(r)
		if err != nil {
			return err
		}
		r.log.Info().Int("filtered", sheet.Len()).Msg("resuming from saved filtered sheet")
	} else {
		r.enter(StageFetchingInventory)
		if _, err := o.fetchListing(ctx, r, "get_containers", o.Remote.FetchInventory, artifacts.AllContainers); err != nil {
			return err
		}

		r.enter(StageFiltering)
		if sheet, err = o.filter(ctx, r); err != nil {
			return err
		}

		r.enter(StageEnriching)
		if bulk, err = o.enrich(ctx, r, sheet); err != nil {
			return err
		}
	}

	r.enter(StageCheckingItems)
	if err := o.checkItems(ctx, r, sheet, bulk); err != nil {
		return err
	}

	r.enter(StageFetchingAppointments)
	n, err := o.fetchListing(ctx, r, "get_appointments", o.Remote.FetchAppointments, artifacts.AllAppointments)
	if err != nil {
		return err
	}
	r.stats.TotalAppointments = n
	return nil
}

// call runs fn under the retry policy with the run's token. An invalid
// session triggers one re-authentication and one more round.
func (o *Orchestrator) call(ctx context.Context, r *run, op string, fn func(ctx context.Context, token string) error) error {
	recovered := false
	for {
		res := o.Retry.Do(ctx, func(ctx context.Context) error { return fn(ctx, r.token) })
		if res.OK {
			return nil
		}
		if recovered || !errors.Is(res.Err, internaltypes.ErrSessionInvalid) {
			return res.Err
		}
		recovered = true
		r.log.Warn().Err(res.Err).Str("op", op).Msg("session invalid, re-authenticating")
		token, err := o.Sessions.Recover(ctx, r.job.TenantID, r.token)
		if err != nil {
			return fmt.Errorf("session recovery: %w", err)
		}
		r.token = token
	}
}

type listingFunc func(ctx context.Context, token string) (emodal.InventorySnapshot, error)

// fetchListing requests a listing, stores it in the run folder under name
// and publishes it as the tenant master. It returns the row count.
func (o *Orchestrator) fetchListing(ctx context.Context, r *run, op string, fetch listingFunc, name string) (int, error) {
	var snap emodal.InventorySnapshot
	err := o.call(ctx, r, op, func(ctx context.Context, token string) error {
		var err error
		snap, err = fetch(ctx, token)
		return err
	})
	if err != nil {
		return 0, err
	}

	dst := r.folder.Path(name)
	res := o.Retry.Do(ctx, func(ctx context.Context) error {
		return o.Store.WriteFrom(ctx, dst, func(w io.Writer) error {
			_, err := o.Remote.Download(ctx, snap.Locator, w)
			return err
		})
	})
	if !res.OK {
		return 0, fmt.Errorf("%s: download: %w", op, res.Err)
	}
	if err := o.Store.PublishMaster(ctx, r.job.TenantID, dst); err != nil {
		r.log.Error().Err(err).Str("file", name).Msg("could not update master copy")
	}

	n := snap.Count
	if s, err := inventory.Open(dst); err == nil {
		n = s.Len()
	}
	r.log.Info().Str("file", name).Int("rows", n).Msg("listing stored")
	return n, nil
}

func (o *Orchestrator) filter(ctx context.Context, r *run) (*inventory.Sheet, error) {
	all, err := inventory.Open(r.folder.Path(artifacts.AllContainers))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", internaltypes.ErrData, err)
	}
	r.stats.TotalContainers = all.Len()

	sheet := inventory.Filter(all)
	sheet.AddColumns(inventory.EnrichmentColumns, inventory.Placeholder)
	r.stats.FilteredContainers = len(sheet.Items())
	if err := o.saveSheet(ctx, r, sheet); err != nil {
		return nil, err
	}
	r.log.Info().Int("total", r.stats.TotalContainers).Int("filtered", r.stats.FilteredContainers).Msg("containers filtered")
	return sheet, nil
}

// enrich makes the single bulk call for the filtered items. A failed bulk
// call is not fatal: every item then fails for lack of bulk data.
func (o *Orchestrator) enrich(ctx context.Context, r *run, sheet *inventory.Sheet) (emodal.BulkResult, error) {
	var imports, exports []string
	for _, it := range sheet.Items() {
		switch it.Trade {
		case inventory.TradeInbound:
			imports = append(imports, it.ID)
		case inventory.TradeOutbound:
			exports = append(exports, it.ID)
		}
	}

	var bulk emodal.BulkResult
	err := o.call(ctx, r, "get_info_bulk", func(ctx context.Context, token string) error {
		var err error
		bulk, err = o.Remote.FetchBulkInfo(ctx, token, imports, exports)
		return err
	})
	switch {
	case err == nil:
	case ctx.Err() != nil || internaltypes.Fatal(err):
		return emodal.BulkResult{}, err
	default:
		r.log.Error().Err(err).Int("imports", len(imports)).Int("exports", len(exports)).Msg("bulk info failed, items will be marked failed")
		return emodal.BulkResult{}, o.saveSheet(ctx, r, sheet)
	}

	r.stats.BulkImportCount = len(bulk.Imports)
	r.stats.BulkExportCount = len(bulk.Exports)
	applyMilestones(sheet, bulk)

	if err := o.Store.WriteJSON(ctx, r.folder.Path(artifacts.BulkInfo), bulk); err != nil {
		r.log.Error().Err(err).Msg("could not persist bulk info")
	}
	return bulk, o.saveSheet(ctx, r, sheet)
}

func applyMilestones(sheet *inventory.Sheet, bulk emodal.BulkResult) {
	for _, it := range sheet.Items() {
		info, ok := bulk.Imports[it.ID]
		if !ok || !info.OK() {
			continue
		}
		for _, name := range sheetMilestones {
			sheet.Set(it.Row, name, resolve.MilestoneDate(info.Timeline, name))
		}
	}
}

// reload restores the filtered sheet and bulk result of an interrupted run.
func (o *Orchestrator) reload(r *run) (*inventory.Sheet, emodal.BulkResult, error) {
	sheet, err := inventory.Open(r.folder.Path(artifacts.FilteredContainers))
	if err != nil {
		return nil, emodal.BulkResult{}, fmt.Errorf("%w: reopen filtered sheet: %v", internaltypes.ErrStorage, err)
	}
	b, err := os.ReadFile(r.folder.Path(artifacts.BulkInfo))
	if err != nil {
		return nil, emodal.BulkResult{}, fmt.Errorf("%w: %v", internaltypes.ErrStorage, err)
	}
	var bulk emodal.BulkResult
	if err := json.Unmarshal(b, &bulk); err != nil {
		return nil, emodal.BulkResult{}, fmt.Errorf("%w: bulk info: %v", internaltypes.ErrData, err)
	}
	if all, err := inventory.Open(r.folder.Path(artifacts.AllContainers)); err == nil {
		r.stats.TotalContainers = all.Len()
	}
	r.stats.FilteredContainers = len(sheet.Items())
	r.stats.BulkImportCount = len(bulk.Imports)
	r.stats.BulkExportCount = len(bulk.Exports)
	return sheet, bulk, nil
}

func (o *Orchestrator) saveSheet(ctx context.Context, r *run, sheet *inventory.Sheet) error {
	path := r.folder.Path(artifacts.FilteredContainers)
	if err := sheet.Save(path); err != nil {
		return fmt.Errorf("save filtered sheet: %w: %v", internaltypes.ErrStorage, err)
	}
	return o.Store.Sync(ctx, path)
}
