// Package rhythm sizes the position windows of a table scan so that every
// step takes roughly a target duration.
//
// The controller keeps two estimates: how many rows a step should process
// (rows per step) and how many rows live in one position unit (density). The
// window handed out for the next step is rowsPerStep / density positions.
// Both estimates follow observed steps with an exponentially weighted moving
// average.
package rhythm

import (
	"math"
	"time"
)

const (
	// smoothing is the EWMA weight of a new observation.
	smoothing = 0.5
	// maxGrowth caps how fast rows per step may grow from one step to the next.
	maxGrowth = 4.0
	// initialRowsPerStep is the starting point after every rebase.
	initialRowsPerStep = 16.0
	// rebaseFactor is the change of the estimated row count that invalidates
	// the current estimates.
	rebaseFactor = 1.5

	minDensity = 1e-9
)

// Rhythm is the window controller of one scan. It is not safe for concurrent use.
type Rhythm struct {
	target  time.Duration
	maxRows float64

	rowsPerStep float64
	density     float64
	basisRows   float64
}

// New returns a controller aiming at steps of target duration that never
// cover more than maxRows rows or positions. estRows and positions describe
// the table: its estimated row count (negative when unknown) and its extent
// in position units.
func New(target time.Duration, maxRows int, estRows float64, positions int64) *Rhythm {
	r := &Rhythm{
		target:  target,
		maxRows: float64(max(maxRows, 1)),
	}
	r.reset(estRows, positions)
	return r
}

func (r *Rhythm) reset(estRows float64, positions int64) {
	r.basisRows = estRows
	r.rowsPerStep = math.Min(initialRowsPerStep, r.maxRows)
	r.density = 1
	if estRows > 0 && positions > 0 {
		r.density = math.Max(estRows/float64(positions), minDensity)
	}
}

// Window returns the width, in positions, of the next step.
func (r *Rhythm) Window() int64 {
	w := math.Ceil(r.rowsPerStep / r.density)
	return int64(clamp(w, 1, r.maxRows))
}

// RowsPerStep returns the current rows per step estimate.
func (r *Rhythm) RowsPerStep() float64 {
	return r.rowsPerStep
}

// Density returns the current rows per position estimate.
func (r *Rhythm) Density() float64 {
	return r.density
}

// Observe feeds back a finished step that covered window positions, found
// rows rows and took elapsed. Empty steps widen the next window.
func (r *Rhythm) Observe(rows int, window int64, elapsed time.Duration) {
	if rows <= 0 || window <= 0 {
		r.density = math.Max(r.density/2, minDensity)
		return
	}

	observed := float64(rows) / float64(window)
	r.density = math.Max(r.density+smoothing*(observed-r.density), minDensity)

	if elapsed <= 0 {
		elapsed = time.Microsecond
	}
	desired := float64(rows) * float64(r.target) / float64(elapsed)
	desired = math.Min(desired, r.rowsPerStep*maxGrowth)
	r.rowsPerStep = clamp(r.rowsPerStep+smoothing*(desired-r.rowsPerStep), 1, r.maxRows)
}

// Rebase adopts fresh table statistics. When the estimated row count moved by
// a factor of 1.5 or more the estimates are rebuilt and Rebase reports true;
// otherwise only the basis is kept and nothing changes.
func (r *Rhythm) Rebase(estRows float64, positions int64) bool {
	if !changedMaterially(r.basisRows, estRows) {
		return false
	}
	r.reset(estRows, positions)
	return true
}

func changedMaterially(old, cur float64) bool {
	if old <= 0 || cur <= 0 {
		return (old <= 0) != (cur <= 0)
	}
	ratio := cur / old
	return ratio >= rebaseFactor || ratio <= 1/rebaseFactor
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
