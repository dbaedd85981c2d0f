package rhythm

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simulate scans a synthetic table of rows rows spread over positions
// positions, wrapping around at the end, where every row costs perRow.
// It returns the durations of the simulated steps.
func simulate(r *Rhythm, rows, positions int64, perRow time.Duration, steps int) []time.Duration {
	density := float64(rows) / float64(positions)
	var lower int64
	durations := make([]time.Duration, 0, steps)

	for range steps {
		if lower >= positions {
			lower = 0
		}
		window := r.Window()
		upper := min(lower+window, positions)
		found := int(math.Floor(float64(upper)*density) - math.Floor(float64(lower)*density))
		elapsed := time.Duration(found) * perRow

		r.Observe(found, window, elapsed)
		durations = append(durations, elapsed)
		lower += window
	}
	return durations
}

func average(ds []time.Duration) time.Duration {
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

func TestRhythmConverges(t *testing.T) {
	tests := []struct {
		name      string
		rows      int64
		positions int64
		target    time.Duration
		perRow    time.Duration
	}{
		{
			name:      "100 rows",
			rows:      100,
			positions: 100,
			target:    10 * time.Millisecond,
			perRow:    time.Millisecond,
		},
		{
			name:      "1,000,000 rows in heap blocks",
			rows:      1_000_000,
			positions: 8_000,
			target:    250 * time.Millisecond,
			perRow:    250 * time.Microsecond,
		},
		{
			name:      "1,000,000 sparse rows",
			rows:      1_000_000,
			positions: 4_000_000,
			target:    250 * time.Millisecond,
			perRow:    250 * time.Microsecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.target, 5000, float64(tt.rows), tt.positions)
			durations := simulate(r, tt.rows, tt.positions, tt.perRow, 200)

			want := float64(tt.target) / float64(tt.perRow)
			assert.InEpsilon(t, want, r.RowsPerStep(), 0.05)
			assert.InEpsilon(t, float64(tt.target), float64(average(durations[150:])), 0.25)
		})
	}
}

func TestRhythmWindowIsBoundedByMaxRows(t *testing.T) {
	r := New(time.Second, 100, 10, 1_000_000)
	for range 50 {
		r.Observe(1, r.Window(), time.Microsecond)
		w := r.Window()
		require.GreaterOrEqual(t, w, int64(1))
		require.LessOrEqual(t, w, int64(100))
	}
	assert.LessOrEqual(t, r.RowsPerStep(), 100.0)
}

func TestRhythmSlowStepsShrinkToOneRow(t *testing.T) {
	r := New(10*time.Millisecond, 5000, 1000, 1000)
	for range 50 {
		w := r.Window()
		r.Observe(int(w), w, time.Duration(w)*time.Second)
	}
	assert.Equal(t, 1.0, r.RowsPerStep())
	assert.Equal(t, int64(1), r.Window())
}

func TestRhythmEmptyStepsWidenWindow(t *testing.T) {
	r := New(250*time.Millisecond, 5000, 1000, 1000)
	w := r.Window()

	r.Observe(0, w, time.Millisecond)
	wider := r.Window()
	assert.Greater(t, wider, w)

	for range 40 {
		r.Observe(0, r.Window(), time.Millisecond)
	}
	assert.Equal(t, int64(5000), r.Window())
}

func TestRhythmRebase(t *testing.T) {
	r := New(250*time.Millisecond, 5000, 1000, 100)
	for range 10 {
		w := r.Window()
		r.Observe(int(w*10), w, time.Millisecond)
	}
	grown := r.RowsPerStep()
	require.Greater(t, grown, initialRowsPerStep)

	assert.False(t, r.Rebase(1400, 140), "a change below 1.5x keeps the estimates")
	assert.Equal(t, grown, r.RowsPerStep())

	assert.True(t, r.Rebase(1500, 150))
	assert.Equal(t, initialRowsPerStep, r.RowsPerStep())
	assert.InDelta(t, 10.0, r.Density(), 1e-9)

	assert.True(t, r.Rebase(900, 150), "shrinking by 1.5x rebases too")
	assert.False(t, r.Rebase(900, 150))
}

func TestRhythmUnknownEstimate(t *testing.T) {
	r := New(250*time.Millisecond, 5000, -1, 0)
	assert.Equal(t, 1.0, r.Density())
	assert.Equal(t, int64(initialRowsPerStep), r.Window())

	assert.True(t, r.Rebase(1000, 10), "a first real estimate rebases")
	assert.InDelta(t, 100.0, r.Density(), 1e-9)
}
