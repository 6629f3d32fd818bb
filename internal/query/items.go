package query

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/example/appointment-scheduler/internal/artifacts"
	"github.com/example/appointment-scheduler/internal/checkpoint"
	"github.com/example/appointment-scheduler/internal/emodal"
	"github.com/example/appointment-scheduler/internal/internaltypes"
	"github.com/example/appointment-scheduler/internal/inventory"
	"github.com/example/appointment-scheduler/internal/resolve"
	"github.com/example/appointment-scheduler/internal/telemetry"
)

const stampLayout = "20060102_150405"

// checkItems checks every filtered item not yet in the checkpoint log. Item
// failures are counted, never returned; only fatal errors and cancellation
// stop the loop.
func (o *Orchestrator) checkItems(ctx context.Context, r *run, sheet *inventory.Sheet, bulk emodal.BulkResult) error {
	cp := o.Checkpoints(r.job.ID, string(r.folder))
	state, err := checkpoint.Replay(ctx, cp)
	if err != nil {
		return fmt.Errorf("%w: replay checkpoint: %v", internaltypes.ErrStorage, err)
	}
	r.stats.CheckedContainers, r.stats.FailedChecks = state.Counts()

	saveEvery := o.SaveEvery
	if saveEvery < 1 {
		saveEvery = 5
	}

	items := sheet.Items()
	attempted := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			o.saveQuietly(r, sheet)
			return err
		}
		if state.Has(it.ID) {
			r.stats.SkippedContainers++
			continue
		}

		outcome, err := o.checkItem(ctx, r, sheet, it, bulk)
		if err != nil {
			o.saveQuietly(r, sheet)
			return err
		}
		if outcome == checkpoint.OutcomeChecked {
			r.stats.CheckedContainers++
		} else {
			r.stats.FailedChecks++
		}
		telemetry.ItemChecks.WithLabelValues(string(outcome)).Inc()

		e := checkpoint.Entry{ItemID: it.ID, Outcome: outcome, At: o.now().UTC()}
		state.Mark(e)
		if err := cp.Append(ctx, e); err != nil {
			r.log.Error().Err(err).Str("container", it.ID).Msg("could not append checkpoint")
		}

		attempted++
		if attempted%saveEvery == 0 {
			if err := o.saveSheet(ctx, r, sheet); err != nil {
				r.log.Error().Err(err).Msg("periodic sheet save failed")
			}
		}
	}

	if r.stats.SkippedContainers > 0 {
		r.log.Info().Int("skipped", r.stats.SkippedContainers).Msg("items already processed before resume")
	}
	return o.saveSheet(ctx, r, sheet)
}

// saveQuietly persists the sheet on the way out of an interrupted loop.
func (o *Orchestrator) saveQuietly(r *run, sheet *inventory.Sheet) {
	if err := sheet.Save(r.folder.Path(artifacts.FilteredContainers)); err != nil {
		r.log.Error().Err(err).Msg("could not save filtered sheet")
	}
}

func (o *Orchestrator) checkItem(ctx context.Context, r *run, sheet *inventory.Sheet, it inventory.Item, bulk emodal.BulkResult) (checkpoint.Outcome, error) {
	log := r.log.With().Str("container", it.ID).Str("trade", it.Trade.String()).Logger()

	params, mt, err := o.params(it, bulk)
	if err != nil {
		log.Warn().Err(err).Msg("cannot resolve check parameters")
		return checkpoint.OutcomeFailed, nil
	}

	var res emodal.AppointmentResult
	err = o.call(ctx, r, "check_appointments", func(ctx context.Context, token string) error {
		var err error
		res, err = o.Remote.CheckAppointmentSlots(ctx, token, params)
		return err
	})
	if err != nil {
		if ctx.Err() != nil || internaltypes.Fatal(err) {
			return "", err
		}
		log.Warn().Err(err).Msg("appointment check failed")
		return checkpoint.OutcomeFailed, nil
	}

	stem := it.ID + "_" + o.now().Format(stampLayout)
	o.keepResponse(ctx, log, r, stem, res)

	if !res.Success {
		log.Warn().Str("remote_error", res.Error).Msg("appointment check unsuccessful")
		return checkpoint.OutcomeFailed, nil
	}
	if len(res.AvailableTimes) == 0 {
		log.Info().Str("move_type", string(mt)).Msg("no appointment slots offered")
		return checkpoint.OutcomeChecked, nil
	}
	slot := resolve.EarliestSlot(res.AvailableTimes)
	sheet.Set(it.Row, resolve.AvailabilityColumn(mt), slot)
	log.Info().Str("move_type", string(mt)).Int("slots", len(res.AvailableTimes)).Str("earliest", slot).Msg("appointment checked")
	return checkpoint.OutcomeChecked, nil
}

// keepResponse stores the raw response and its screenshot. Storage errors
// are logged only.
func (o *Orchestrator) keepResponse(ctx context.Context, log zerolog.Logger, r *run, stem string, res emodal.AppointmentResult) {
	if len(res.Raw) > 0 {
		if err := o.Store.WriteFile(ctx, r.folder.Response(stem), res.Raw); err != nil {
			log.Error().Err(err).Msg("could not store check response")
		}
	}
	loc := res.ScreenshotLocator()
	if loc == "" {
		return
	}
	err := o.Store.WriteFrom(ctx, r.folder.Screenshot(stem), func(w io.Writer) error {
		_, err := o.Remote.Download(ctx, loc, w)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("could not store screenshot")
	}
}

// params resolves the check request for one item from its row and its bulk
// entry. Items without a usable bulk entry are not checked.
func (o *Orchestrator) params(it inventory.Item, bulk emodal.BulkResult) (emodal.CheckParams, resolve.MoveType, error) {
	p := emodal.CheckParams{TruckPlate: o.TruckPlate, OwnChassis: o.OwnChassis}
	var gatePassed *bool

	switch it.Trade {
	case inventory.TradeInbound:
		info, ok := bulk.Imports[it.ID]
		if !ok || !info.OK() {
			return p, "", fmt.Errorf("%w: import %s", ErrNoBulkInfo, it.ID)
		}
		gatePassed = info.PregateStatus
		p.ContainerType = emodal.ContainerTypeImport
		p.ContainerID = it.ID
	case inventory.TradeOutbound:
		info, ok := bulk.Exports[it.ID]
		if !ok || !info.OK() {
			return p, "", fmt.Errorf("%w: export %s", ErrNoBulkInfo, it.ID)
		}
		p.ContainerType = emodal.ContainerTypeExport
		p.BookingNumber = info.BookingNumber
	}

	mt, err := resolve.Move(it, gatePassed)
	if err != nil {
		return p, "", err
	}
	terminal, err := resolve.Terminal(it, o.Tables.Terminals)
	if err != nil {
		return p, "", err
	}
	carrier, err := resolve.Carrier(it, o.Tables.Carriers)
	if err != nil {
		return p, "", err
	}
	p.Terminal = terminal
	p.MoveType = string(mt)
	p.TruckingCompany = carrier
	return p, mt, nil
}
