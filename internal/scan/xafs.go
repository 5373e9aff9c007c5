package scan

import (
	"math"

	"github.com/stepscan-labs/stepscan/internal/config"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
)

// XAFSK2E relates photoelectron wavenumber to energy above the edge:
// E - E0 = XAFSK2E * k^2, with E in eV and k in inverse Angstroms.
const XAFSK2E = 3.809980849311092

// DefaultMinEStep is the minimum energy spacing between adjacent points of
// the merged XAFS axis, in eV. Region boundaries that would produce points
// closer than this are de-duplicated.
const DefaultMinEStep = 0.01

// EToK converts energy above the edge (eV) to wavenumber (1/Ang).
func EToK(energy float64) float64 {
	if energy <= 0 {
		return 0
	}
	return math.Sqrt(energy / XAFSK2E)
}

// KToE converts wavenumber (1/Ang) to energy above the edge (eV).
func KToE(k float64) float64 {
	return k * k * XAFSK2E
}

// XAFSAxis is the merged energy axis of an XAFS scan together with the
// per-point dwell times from region weighting. Energies are absolute and
// strictly increasing with at least MinEStep spacing at region boundaries.
type XAFSAxis struct {
	Energies   []float64
	DwellTimes []float64
}

// BuildXAFSAxis assembles the energy axis from a definition's regions.
// Regions must be given in order of increasing energy. Each region
// contributes an evenly spaced segment; points that fall within minEStep of
// the previous region's last point are dropped, so adjoining regions do not
// duplicate their shared boundary.
//
// Region values are interpreted in k-space when units is "k", relative to
// e0 when the definition's is_relative flag is set, and absolute otherwise.
// The returned axis is always absolute.
func BuildXAFSAxis(def *config.ScanDefinition) (*XAFSAxis, error) {
	if len(def.Regions) == 0 {
		return nil, scanerrors.NewValidationError("xafs scan has no regions", nil)
	}
	minEStep := def.MinEStep
	if minEStep <= 0 {
		minEStep = DefaultMinEStep
	}
	defaultDwell := def.GetDwellTime()

	axis := &XAFSAxis{}
	for i := range def.Regions {
		reg := &def.Regions[i]
		npts := reg.NPoints
		if npts == 0 {
			// Derived from step size the way operators enter regions by
			// hand; the 0.1 guards against float truncation at exact
			// multiples.
			npts = 1 + int(0.1+math.Abs(reg.Stop-reg.Start)/reg.Step)
		}
		if npts < 2 {
			return nil, scanerrors.NewValidationError("xafs region needs at least 2 points", nil)
		}

		energies := linspace(reg.Start, reg.Stop, npts)
		switch {
		case reg.Units == "k":
			for j, k := range energies {
				energies[j] = def.E0 + KToE(k)
			}
		case def.IsRelative:
			for j, e := range energies {
				energies[j] = def.E0 + e
			}
		}

		// Drop points at or below the previous region's coverage plus the
		// minimum step, so the merged axis stays strictly increasing.
		floor := minEStep
		if n := len(axis.Energies); n > 0 {
			floor += axis.Energies[n-1]
		}
		kept := energies[:0]
		for _, e := range energies {
			if e > floor {
				kept = append(kept, e)
			}
		}
		energies = kept

		dwell := reg.DTime
		if dwell <= 0 {
			dwell = defaultDwell
		}
		dwells := regionDwellTimes(len(energies), dwell, reg.DTimeFinal, reg.DTimeWt)
		if def.MaxDwell > 0 {
			for j := range dwells {
				if dwells[j] > def.MaxDwell {
					dwells[j] = def.MaxDwell
				}
			}
		}

		axis.Energies = append(axis.Energies, energies...)
		axis.DwellTimes = append(axis.DwellTimes, dwells...)
	}

	if len(axis.Energies) == 0 {
		return nil, scanerrors.NewValidationError("xafs regions produced an empty energy axis", nil)
	}
	return axis, nil
}

// regionDwellTimes ramps counting time from dtime toward dtimeFinal across a
// region with a power-law weight, constant when no final time is given.
func regionDwellTimes(npts int, dtime float64, dtimeFinal, dtimeWt *float64) []float64 {
	dwells := make([]float64, npts)
	for i := range dwells {
		dwells[i] = dtime
	}
	if dtimeFinal == nil || npts < 2 {
		return dwells
	}
	wt := 1.0
	if dtimeWt != nil {
		wt = *dtimeWt
	}
	if wt <= 0 {
		return dwells
	}
	vtime := (*dtimeFinal - dtime) * math.Pow(1.0/float64(npts-1), wt)
	for i := range dwells {
		dwells[i] = dtime + vtime*math.Pow(float64(i), wt)
	}
	return dwells
}

// linspace returns npts evenly spaced values from start to stop inclusive.
func linspace(start, stop float64, npts int) []float64 {
	if npts == 1 {
		return []float64{start}
	}
	out := make([]float64, npts)
	step := (stop - start) / float64(npts-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[npts-1] = stop
	return out
}
