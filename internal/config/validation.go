package config

import (
	"fmt"
	"regexp"

	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
)

// Scan, positioner, and counter labels become data column names and file
// header entries, so they are restricted to filename-safe characters.
var labelRegex = regexp.MustCompile(`^[a-zA-Z0-9_. -]+$`)

// ValidateScanDefinition performs logical validation of a parsed definition:
// cross-field consistency rules the JSON schema cannot express. It returns
// all errors found rather than stopping at the first.
func ValidateScanDefinition(d *ScanDefinition) []error {
	var errs []error

	addErr := func(format string, args ...interface{}) {
		errs = append(errs, scanerrors.NewValidationError(fmt.Sprintf(format, args...), nil))
	}

	if d.Name != "" && !labelRegex.MatchString(d.Name) {
		addErr("scan name '%s' contains invalid characters", d.Name)
	}

	switch d.Kind {
	case KindLinear, KindMesh:
		if len(d.Positioners) == 0 {
			addErr("%s scan requires at least one positioner", d.Kind)
		}
		if d.Kind == KindMesh && len(d.Positioners) < 2 {
			addErr("mesh scan requires at least two positioners")
		}
	case KindXAFS:
		if len(d.Positioners) != 1 {
			addErr("xafs scan requires exactly one positioner (the energy axis)")
		}
		if len(d.Regions) == 0 {
			addErr("xafs scan requires at least one region")
		}
		if d.E0 == 0 {
			addErr("xafs scan requires a non-zero e0")
		}
	case KindSlew:
		if d.Slew == nil {
			addErr("slew scan requires a 'slew' block")
		}
	case "":
		addErr("'kind' is required")
	default:
		addErr("unknown scan kind '%s'", d.Kind)
	}

	posNames := make(map[string]bool)
	for i, pos := range d.Positioners {
		validatePositioner(&pos, fmt.Sprintf("positioner %d ('%s')", i, pos.Name), d.Kind, &errs)
		if pos.Name != "" {
			if posNames[pos.Name] {
				addErr("duplicate positioner name '%s'", pos.Name)
			}
			posNames[pos.Name] = true
		}
	}

	counterLabels := make(map[string]bool)
	for i, c := range d.Counters {
		if c.Label == "" {
			addErr("counter %d: 'label' is required", i)
			continue
		}
		if !labelRegex.MatchString(c.Label) {
			addErr("counter '%s': label contains invalid characters", c.Label)
		}
		if counterLabels[c.Label] {
			addErr("duplicate counter label '%s'", c.Label)
		}
		counterLabels[c.Label] = true
	}

	detLabels := make(map[string]bool)
	for i, det := range d.Detectors {
		name := det.Label
		if name == "" {
			name = fmt.Sprintf("detector %d", i)
		}
		if det.Label != "" && detLabels[det.Label] {
			addErr("duplicate detector label '%s'", det.Label)
		}
		detLabels[det.Label] = true
		switch det.Kind {
		case DetectorScaler, DetectorMCA, DetectorArea, DetectorSimple:
		default:
			addErr("%s: unknown detector kind '%s'", name, det.Kind)
		}
	}

	for i, r := range d.Regions {
		if r.Stop <= r.Start {
			addErr("region %d: stop (%g) must be greater than start (%g)", i, r.Stop, r.Start)
		}
		if r.NPoints == 0 && r.Step == 0 {
			addErr("region %d: either 'npoints' or 'step' is required", i)
		}
		if r.Units == "k" && r.Start < 0 {
			addErr("region %d: k-space region cannot start below zero", i)
		}
		if r.DTimeFinal != nil && r.DTime > 0 && *r.DTimeFinal < r.DTime {
			addErr("region %d: 'dtime_final' (%g) cannot be less than 'dtime' (%g)", i, *r.DTimeFinal, r.DTime)
		}
	}

	if d.Slew != nil {
		validatePositioner(&d.Slew.Inner, "slew inner positioner", KindSlew, &errs)
		if d.Slew.Inner.NPoints < 2 && len(d.Slew.Inner.Array) == 0 {
			addErr("slew inner positioner requires npoints >= 2")
		}
		if d.Slew.Outer != nil {
			validatePositioner(d.Slew.Outer, "slew outer positioner", KindSlew, &errs)
		}
		if d.Slew.PixelTime <= 0 {
			addErr("slew 'pixel_time' must be positive")
		}
	}

	for i, bp := range d.Breakpoints {
		if i > 0 && bp <= d.Breakpoints[i-1] {
			addErr("breakpoints must be strictly increasing (index %d)", i)
		}
	}

	return errs
}

func validatePositioner(pos *PositionerDef, displayName, kind string, errs *[]error) {
	addErr := func(format string, args ...interface{}) {
		*errs = append(*errs, scanerrors.NewValidationError(fmt.Sprintf(format, args...), nil))
	}

	if pos.Name == "" {
		addErr("%s: 'name' is required", displayName)
	} else if !labelRegex.MatchString(pos.Name) {
		addErr("%s: name contains invalid characters", displayName)
	}
	if pos.PVName == "" {
		addErr("%s: 'pvname' is required", displayName)
	}

	hasArray := len(pos.Array) > 0
	hasRange := pos.NPoints > 0
	// XAFS builds the energy axis from regions, so its positioner carries
	// neither form.
	if kind != KindXAFS && !hasArray && !hasRange {
		addErr("%s: either 'array' or 'start'/'stop'/'npoints' is required", displayName)
	}
	if hasArray && hasRange {
		addErr("%s: 'array' and 'npoints' are mutually exclusive", displayName)
	}
}
