package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/stepscan-labs/stepscan/internal/config"
	"github.com/stepscan-labs/stepscan/internal/datafile"
	"github.com/stepscan-labs/stepscan/internal/retry"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/events"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/scandb"
)

// runFiles holds the open output writers of one run. Step scans write one
// ASCII file; slew scans write a master index (rows land in the store's
// array columns).
type runFiles struct {
	ascii  *datafile.ASCIIFile
	master *datafile.MasterFile
}

// prepare validates the plan against hardware, runs every pre-scan hook,
// opens outputs, and seeds the store. No hardware motion beyond the move to
// the start position has happened when prepare fails, so a PrepareError is
// always safely recoverable.
func (r *run) prepare(ctx context.Context) error {
	r.setStatus(StatusPreparing)
	r.publishProgress("preparing scan")

	// Stale interrupt flags from a previous run must not kill this one.
	r.setInfo(scandb.InfoRequestAbort, "0")
	r.setInfo(scandb.InfoRequestPause, "0")

	if err := r.plan.VerifyLimits(); err != nil {
		return scanerrors.NewPrepareError("limits", err)
	}

	// Original positions are captured before any motion so post-scan can
	// command the positioners back where the operator left them.
	r.origPositions = make(map[string]float64, len(r.plan.Positioners))
	for _, pos := range r.plan.Positioners {
		v, err := pos.Current()
		if err != nil {
			return scanerrors.NewPrepareError("read_position", err)
		}
		r.origPositions[pos.PVName()] = v
	}

	for _, pos := range r.plan.Positioners {
		if err := pos.MoveToIndex(0); err != nil {
			return scanerrors.NewPrepareError("move_to_start", err)
		}
	}

	mode := r.plan.DetectorMode
	dwell := r.plan.DwellAt(0)
	if r.plan.Slew != nil {
		dwell = r.plan.Slew.PixelTime.Seconds()
	}
	for _, det := range r.plan.Detectors {
		det := det
		err := r.e.retryHelper.Do(ctx, retry.Config{
			Attempts: 2,
			Delay:    100 * time.Millisecond,
			OnError:  true,
			Label:    fmt.Sprintf("pre_scan %s", det.Label()),
		}, func(context.Context) error {
			return det.PreScan(mode, dwell)
		})
		if err != nil {
			return scanerrors.NewPrepareError("pre_scan", err)
		}
	}

	if err := r.initScanData(); err != nil {
		return scanerrors.NewPrepareError("store", err)
	}

	if err := r.openOutputs(); err != nil {
		return scanerrors.NewPrepareError("datafile", err)
	}
	r.setInfo(scandb.InfoFilename, r.dataFilePath)

	// The move to the start position was issued early so the mechanics
	// settle while everything else is prepared; now it has to finish.
	res := waitFor(ctx, r.e.posMoveTimeout, r.e.pollInterval, func() bool {
		for _, pos := range r.plan.Positioners {
			if !pos.Done() {
				return false
			}
		}
		return true
	})
	if res == waitCancelled {
		return scanerrors.NewAbortError(0)
	}
	if res == waitTimedOut {
		r.e.log.Warnf("Scan '%s': move to start position did not confirm within %v, continuing",
			r.plan.Name, r.e.posMoveTimeout)
	}

	for _, c := range r.plan.AllCounters() {
		c.Clear()
	}
	for _, c := range r.plan.AllArrayCounters() {
		c.Clear()
	}
	return nil
}

// openOutputs creates the run's data file(s) and writes their headers.
func (r *run) openOutputs() error {
	name := r.plan.Filename
	if name == "" {
		name = r.plan.Name + ".001"
	}
	path := filepath.Join(r.e.dataDir, name)

	if r.plan.Slew != nil {
		master, err := datafile.CreateMaster(path, r.plan.Name,
			r.plan.TotalPoints, r.plan.Slew.Pulses, r.plan.Slew.RowTime())
		if err != nil {
			return err
		}
		r.files.master = master
		r.dataFilePath = master.Path()
		return nil
	}

	columns := make([]datafile.Column, 0, 8)
	for _, pos := range r.plan.Positioners {
		columns = append(columns, datafile.Column{Label: pos.Name(), PVName: pos.PVName(), Units: pos.Units()})
	}
	for _, c := range r.plan.AllCounters() {
		columns = append(columns, datafile.Column{Label: c.Label(), PVName: c.PVName(), Units: c.Units()})
	}

	file, err := datafile.Create(path, columns)
	if err != nil {
		return err
	}
	if err := file.WriteHeader(r.plan.Name, r.plan.Comments); err != nil {
		file.Close()
		return err
	}
	if r.plan.Kind == config.KindXAFS {
		regions := make([]string, len(r.plan.Regions))
		for i, reg := range r.plan.Regions {
			regions[i] = fmt.Sprintf("%9.3f, %9.3f, npts=%d, units=%s", reg.Start, reg.Stop, reg.NPoints, regionUnits(reg))
		}
		if err := file.WriteXAFSParams(r.plan.E0, regions); err != nil {
			file.Close()
			return err
		}
	}
	if err := file.WriteExtraPVs(r.extraValues()); err != nil {
		file.Close()
		return err
	}
	r.files.ascii = file
	r.dataFilePath = file.Path()
	return nil
}

func regionUnits(reg config.RegionDef) string {
	if reg.Units == "" {
		return "eV"
	}
	return reg.Units
}

func (r *run) extraValues() []datafile.ExtraValue {
	readings := r.readExtraPVs()
	out := make([]datafile.ExtraValue, len(readings))
	for i, rd := range readings {
		out[i] = datafile.ExtraValue{Label: rd.label, PVName: rd.pvname,
			Value: fmt.Sprintf("%g", rd.value)}
	}
	return out
}

// runPoints is the acquisition loop for linear, mesh and XAFS scans: for
// each point, move, settle, trigger, wait, read, record, in that order.
// Point i's record is persisted before point i+1's move is issued.
func (r *run) runPoints(ctx context.Context) error {
	r.setStatus(StatusRunning)
	total := r.plan.TotalPoints
	r.publishProgress(fmt.Sprintf("starting scan, %d points", total))

	for i := 0; i < total; i++ {
		if err := r.checkAbort(ctx); err != nil {
			return err
		}
		if err := r.waitWhilePaused(ctx); err != nil {
			return err
		}

		pointStart := time.Now()
		for {
			err := r.acquirePoint(ctx, i)
			if err == nil {
				break
			}
			if scanerrors.IsAbort(err) {
				return err
			}
			if !scanerrors.IsTransientTimeout(err) {
				return scanerrors.NewScanExecutionError(r.plan.Name, err)
			}
			if r.state.RetryCount() >= r.plan.MaxPointRetries {
				// Retry budget spent: tolerate the timeout and record the
				// point with whatever the counters hold.
				r.e.log.Warnf("Scan '%s' point %d: %v after %d retries, recording best-available data",
					r.plan.Name, i, err, r.state.RetryCount())
				break
			}
			attempt := r.state.RecordRetry()
			r.totalRetries++
			r.e.log.Warnf("Scan '%s' point %d: %v, retrying (attempt %d)", r.plan.Name, i, err, attempt)
			r.publishProgress(fmt.Sprintf("point %d timed out, retrying", i+1))
			r.e.eventBus.Emit(events.Event{Type: events.PointRetry, Timestamp: time.Now(),
				ScanName: r.plan.Name, Point: i})
			for _, det := range r.plan.Detectors {
				_ = det.Stop()
			}
			sleepFor(ctx, r.plan.RetryDelay)
		}

		if err := r.recordPoint(i); err != nil {
			return scanerrors.NewScanExecutionError(r.plan.Name, err)
		}

		took := time.Since(pointStart)
		r.e.pointDuration.Observe(took.Seconds())
		r.e.pointsCompleted.Inc()
		r.state.PointCompleted(i)
		r.publishPoint(i, took)
		r.e.eventBus.Emit(events.Event{Type: events.PointComplete, Timestamp: time.Now(),
			ScanName: r.plan.Name, Point: i})

		if r.isBreakpoint(i) {
			if err := r.atBreakpoint(i); err != nil {
				r.e.log.Warnf("Scan '%s' breakpoint %d: %v", r.plan.Name, i, err)
			}
		}
	}
	return nil
}

// acquirePoint performs the hardware sequence of one point: arm, move,
// settle, trigger, wait, settle. A trigger that misses its wait budget
// returns a TransientTimeoutError; a positioner that misses its completion
// window is logged and tolerated, since completion is advisory.
func (r *run) acquirePoint(ctx context.Context, i int) error {
	plan := r.plan

	if plan.DwellTimes != nil {
		for _, det := range plan.Detectors {
			if err := det.SetDwellTime(plan.DwellAt(i)); err != nil {
				return err
			}
		}
	}

	var armDelay, startDelay time.Duration
	for _, det := range plan.Detectors {
		if err := det.Arm(plan.DetectorMode, 1); err != nil {
			return err
		}
		if d := det.ArmDelay(); d > armDelay {
			armDelay = d
		}
		if d := det.StartDelay(); d > startDelay {
			startDelay = d
		}
	}
	sleepFor(ctx, armDelay)

	for _, pos := range plan.Positioners {
		if err := pos.MoveToIndex(i); err != nil {
			return err
		}
	}
	res := waitFor(ctx, r.e.posMoveTimeout, r.e.pollInterval, func() bool {
		for _, pos := range plan.Positioners {
			if !pos.Done() {
				return false
			}
		}
		return true
	})
	if res == waitCancelled {
		return scanerrors.NewAbortError(i)
	}
	if res == waitTimedOut {
		r.e.log.Warnf("Scan '%s' point %d: positioner completion not confirmed within %v, using readback",
			r.plan.Name, i, r.e.posMoveTimeout)
	}
	sleepFor(ctx, plan.PosSettleTime)

	triggers := plan.Triggers()
	for _, det := range plan.Detectors {
		if err := det.Start(); err != nil {
			return err
		}
	}
	sleepFor(ctx, startDelay)

	// The budget scales with the longest dwell so slow points are not
	// misdiagnosed as hung hardware.
	budget := time.Duration(5*(1+2*plan.MaxDwell())) * time.Second
	t0 := time.Now()
	res = waitFor(ctx, budget, r.e.pollInterval, func() bool {
		for _, trig := range triggers {
			if !trig.Done() {
				return false
			}
		}
		return true
	})
	if res == waitCancelled {
		return scanerrors.NewAbortError(i)
	}
	if res == waitTimedOut {
		return scanerrors.NewTransientTimeoutError(r.plan.Name, "trigger", time.Since(t0))
	}

	sleepFor(ctx, plan.DetSettleTime)
	return nil
}

// recordPoint reads every counter and the positioner readbacks, appends the
// row to the data file, and mirrors it into the store. If any counter read
// fails the reads already buffered for this point are dropped so the column
// buffers stay aligned.
func (r *run) recordPoint(i int) error {
	plan := r.plan

	posValues := make([]float64, len(plan.Positioners))
	for j, pos := range plan.Positioners {
		v, err := pos.Current()
		if err != nil {
			r.e.log.Warnf("Positioner '%s' readback failed at point %d, recording target: %v",
				pos.Name(), i, err)
			v = pos.TargetAt(i)
		}
		posValues[j] = v
	}

	counters := plan.AllCounters()
	counterValues := make([]float64, len(counters))
	for j, c := range counters {
		v, err := c.Read()
		if err != nil {
			for _, read := range counters[:j] {
				read.Drop()
			}
			return fmt.Errorf("counter '%s' read failed at point %d: %w", c.Label(), i, err)
		}
		counterValues[j] = v
	}

	row := append(append([]float64(nil), posValues...), counterValues...)
	if err := r.files.ascii.WritePoint(row); err != nil {
		return err
	}

	for j, pos := range plan.Positioners {
		if err := r.e.store.AppendScanData(pos.Name(), []float64{posValues[j]}); err != nil {
			return err
		}
	}
	for j, c := range counters {
		if err := r.e.store.AppendScanData(c.Label(), []float64{counterValues[j]}); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) isBreakpoint(i int) bool {
	for _, bp := range r.plan.Breakpoints {
		if bp == i {
			return true
		}
	}
	return false
}

// atBreakpoint flushes buffered output, captures the extra PVs again, and
// gives each detector its mid-scan hook.
func (r *run) atBreakpoint(i int) error {
	r.e.eventBus.Emit(events.Event{Type: events.BreakpointReached, Timestamp: time.Now(),
		ScanName: r.plan.Name, Point: i})
	if r.files.ascii != nil {
		if err := r.files.ascii.WriteExtraPVs(r.extraValues()); err != nil {
			return err
		}
		if err := r.files.ascii.Flush(); err != nil {
			return err
		}
	}
	for _, det := range r.plan.Detectors {
		if err := det.AtBreakpoint(i); err != nil {
			return err
		}
	}
	return nil
}

// postScan restores hardware to an idle state on every exit path, exactly
// once per run: detectors back to their idle modes, positioners commanded
// back to their original positions, outputs closed.
func (r *run) postScan() {
	if r.cleanedUp {
		return
	}
	r.cleanedUp = true

	for _, det := range r.plan.Detectors {
		if err := det.PostScan(); err != nil {
			r.e.log.Warnf("Detector '%s' post-scan hook failed: %v", det.Label(), err)
		}
	}

	for _, pos := range r.plan.Positioners {
		orig, known := r.origPositions[pos.PVName()]
		if !known {
			continue
		}
		if err := pos.MoveTo(orig); err != nil {
			r.e.log.Warnf("Failed to restore positioner '%s' to %g: %v", pos.Name(), orig, err)
		}
	}

	if r.files.ascii != nil {
		if err := r.files.ascii.Close(); err != nil {
			r.e.log.Warnf("Failed to close data file: %v", err)
		}
	}
	if r.files.master != nil {
		if err := r.files.master.Close(); err != nil {
			r.e.log.Warnf("Failed to close master file: %v", err)
		}
	}

	switch r.state.Status() {
	case StatusFinished:
		r.publishProgress(fmt.Sprintf("scan complete. Wrote %s", r.dataFilePath))
	case StatusAborted:
		r.publishProgress(fmt.Sprintf("scan aborted at point %d of %d",
			r.state.CurrentPoint(), r.plan.TotalPoints))
	}
}
