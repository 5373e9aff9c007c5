package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/device"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/events"
)

// runRows is the acquisition loop for slew scans: the fast axis sweeps a
// hardware trajectory while detectors capture one array per pixel, and the
// outer axis steps between rows. A row whose pulse or capture count comes up
// short is redone at the same index, superseding the bad attempt's data;
// advancement to the next row happens only after a healthy row is captured.
// Persisting an accepted row overlaps the next row's motion: buffers are
// snapshotted at acceptance, then written by a background saver that is
// joined before the following row's write, keeping store and master-file
// rows in strictly increasing order.
func (r *run) runRows(ctx context.Context) error {
	r.setStatus(StatusRunning)
	slew := r.plan.Slew
	rows := r.plan.TotalPoints
	r.publishProgress(fmt.Sprintf("starting slew scan, %d rows of %d pulses", rows, slew.Pulses))

	var saveDone chan error
	joinSave := func() error {
		if saveDone == nil {
			return nil
		}
		err := <-saveDone
		saveDone = nil
		return err
	}
	// The saver must not outlive the loop: postScan closes the files it
	// writes to.
	defer func() {
		if err := joinSave(); err != nil {
			r.e.log.Errorf("Scan '%s': final row save failed: %v", r.plan.Name, err)
		}
	}()

	for irow := 0; irow < rows; irow++ {
		if err := r.checkAbort(ctx); err != nil {
			return err
		}
		if err := r.waitWhilePaused(ctx); err != nil {
			return err
		}

		rowStart := time.Now()
		redos := 0
		var gathered int
		for {
			r.e.eventBus.Emit(events.Event{Type: events.RowStart, Timestamp: time.Now(),
				ScanName: r.plan.Name, Point: irow})

			var err error
			gathered, err = r.acquireRow(ctx, irow)
			if err == nil && r.rowHealthy(gathered) {
				break
			}
			if err != nil {
				if scanerrors.IsAbort(err) {
					return err
				}
				if !scanerrors.IsTransientTimeout(err) {
					return scanerrors.NewScanExecutionError(r.plan.Name, err)
				}
			}
			if redos >= slew.MaxRowRetries {
				return scanerrors.NewScanExecutionError(r.plan.Name,
					fmt.Errorf("row %d still bad after %d redos (gathered %d of %d pulses)",
						irow, redos, gathered, slew.Pulses))
			}
			redos++
			r.totalRedos++
			r.e.log.Warnf("Scan '%s' row %d: bad row (gathered %d of %d pulses), redoing (attempt %d)",
				r.plan.Name, irow, gathered, slew.Pulses, redos)
			r.publishProgress(fmt.Sprintf("row %d bad, redoing", irow+1))
			r.e.eventBus.Emit(events.Event{Type: events.RowRedo, Timestamp: time.Now(),
				ScanName: r.plan.Name, Point: irow})
			for _, det := range r.plan.Detectors {
				_ = det.Stop()
			}
		}

		rec, err := r.captureRow(irow, gathered)
		if err != nil {
			return scanerrors.NewScanExecutionError(r.plan.Name, err)
		}
		if err := joinSave(); err != nil {
			return scanerrors.NewScanExecutionError(r.plan.Name, err)
		}
		done := make(chan error, 1)
		saveDone = done
		go func() { done <- r.persistRow(rec) }()

		took := time.Since(rowStart)
		r.e.pointDuration.Observe(took.Seconds())
		r.e.pointsCompleted.Inc()
		r.state.PointCompleted(irow)
		r.publishPoint(irow, took)
		r.e.eventBus.Emit(events.Event{Type: events.PointComplete, Timestamp: time.Now(),
			ScanName: r.plan.Name, Point: irow})
	}
	if err := joinSave(); err != nil {
		return scanerrors.NewScanExecutionError(r.plan.Name, err)
	}
	return nil
}

// rowDirection alternates the sweep on odd rows so the fast axis does not
// rewind between rows. A redone row recomputes from its index and so keeps
// the direction of the attempt it replaces.
func (r *run) rowDirection(irow int) device.TrajectoryDirection {
	if r.plan.Slew.Alternate && irow%2 == 1 {
		return device.Backward
	}
	return device.Forward
}

// acquireRow performs the hardware sequence of one row: step the outer axis,
// arm the trajectory and the detectors, start capture, run the sweep, and
// wait for the detector file writers. It returns the controller's pulse
// count; health is judged by the caller.
func (r *run) acquireRow(ctx context.Context, irow int) (int, error) {
	plan := r.plan
	slew := plan.Slew

	if len(plan.Positioners) > 0 {
		outer := plan.Positioners[0]
		if err := outer.MoveToIndex(irow); err != nil {
			return 0, err
		}
		res := waitFor(ctx, r.e.posMoveTimeout, r.e.pollInterval, func() bool { return outer.Done() })
		if res == waitCancelled {
			return 0, scanerrors.NewAbortError(irow)
		}
		if res == waitTimedOut {
			r.e.log.Warnf("Scan '%s' row %d: outer axis completion not confirmed within %v",
				plan.Name, irow, r.e.posMoveTimeout)
		}
		sleepFor(ctx, plan.PosSettleTime)
	}

	if err := slew.Trajectory.Arm(r.rowDirection(irow)); err != nil {
		return 0, err
	}

	var startDelay time.Duration
	for _, det := range plan.Detectors {
		if err := det.Arm(plan.DetectorMode, slew.Pulses); err != nil {
			return 0, err
		}
		if d := det.StartDelay(); d > startDelay {
			startDelay = d
		}
	}
	t0 := time.Now()
	res := waitFor(ctx, armTimeout, r.e.pollInterval, func() bool {
		for _, det := range plan.Detectors {
			if !det.ArmComplete() {
				return false
			}
		}
		return true
	})
	if res == waitCancelled {
		return 0, scanerrors.NewAbortError(irow)
	}
	if res == waitTimedOut {
		return 0, scanerrors.NewTransientTimeoutError(plan.Name, "arm", time.Since(t0))
	}

	for _, det := range plan.Detectors {
		if err := det.Start(); err != nil {
			return 0, err
		}
	}
	sleepFor(ctx, startDelay)

	// The sweep gets twice its nominal time plus margin; a controller that
	// blows that budget produces a bad row, not a dead scan.
	budget := 2*slew.RowTime() + 10*time.Second
	rowCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	t0 = time.Now()
	if err := slew.Trajectory.Run(rowCtx); err != nil {
		if ctx.Err() != nil {
			return 0, scanerrors.NewAbortError(irow)
		}
		if rowCtx.Err() == context.DeadlineExceeded {
			return slew.Trajectory.Gathered(),
				scanerrors.NewTransientTimeoutError(slew.InnerName, "move", time.Since(t0))
		}
		return slew.Trajectory.Gathered(), err
	}

	t0 = time.Now()
	res = waitFor(ctx, fileWriteTimeout, r.e.pollInterval, func() bool {
		for _, det := range plan.Detectors {
			if !det.FileWriteComplete() {
				return false
			}
		}
		return true
	})
	if res == waitCancelled {
		return slew.Trajectory.Gathered(), scanerrors.NewAbortError(irow)
	}
	if res == waitTimedOut {
		return slew.Trajectory.Gathered(),
			scanerrors.NewTransientTimeoutError(plan.Name, "file_write", time.Since(t0))
	}

	sleepFor(ctx, plan.DetSettleTime)
	return slew.Trajectory.Gathered(), nil
}

// rowHealthy accepts a row when the trajectory controller emitted, and every
// capturing detector recorded, at least pulses-2 frames. Controllers commonly
// swallow the final pulse or two at the turnaround; anything shorter means
// real data is missing and the row must be redone.
func (r *run) rowHealthy(gathered int) bool {
	need := r.plan.Slew.Pulses - 2
	if gathered < need {
		return false
	}
	for _, det := range r.plan.Detectors {
		if len(det.ArrayCounters()) == 0 {
			continue
		}
		if det.NumCaptured() < need {
			return false
		}
	}
	return true
}

// rowRecord is a snapshot of one accepted row, taken before the next row's
// arm can disturb the detector buffers. The background saver persists it.
type rowRecord struct {
	irow     int
	gathered int
	y        float64
	yLabel   string
	haveY    bool
	columns  []rowColumn
}

type rowColumn struct {
	label  string
	values []float64
}

// captureRow reads each array counter at the row's index (superseding any
// bad attempt) and snapshots the flattened column buffers plus the outer
// axis position.
func (r *run) captureRow(irow, gathered int) (rowRecord, error) {
	rec := rowRecord{irow: irow, gathered: gathered}
	for _, ac := range r.plan.AllArrayCounters() {
		if _, err := ac.ReadRow(irow); err != nil {
			return rec, fmt.Errorf("array counter '%s' read failed at row %d: %w", ac.Label(), irow, err)
		}
		rec.columns = append(rec.columns, rowColumn{label: ac.Label(), values: ac.Flatten()})
	}

	if len(r.plan.Positioners) > 0 {
		outer := r.plan.Positioners[0]
		v, err := outer.Current()
		if err != nil {
			r.e.log.Warnf("Outer axis readback failed at row %d, recording target: %v", irow, err)
			v = outer.TargetAt(irow)
		}
		rec.y = v
		rec.yLabel = outer.Name()
		rec.haveY = true
	}
	return rec, nil
}

// persistRow writes a captured row to the store and the master file. It runs
// on the saver goroutine, concurrent with the next row's motion; the caller
// serializes invocations so rows land in index order.
func (r *run) persistRow(rec rowRecord) error {
	for _, col := range rec.columns {
		if err := r.e.store.SetScanData(col.label, col.values); err != nil {
			return err
		}
	}
	if rec.haveY {
		if err := r.e.store.AppendScanData(rec.yLabel, []float64{rec.y}); err != nil {
			return err
		}
	}
	return r.files.master.AppendRow(rec.y, rec.irow, rec.gathered)
}
