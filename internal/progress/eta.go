package progress

import (
	"fmt"
	"strings"
	"time"
)

// Estimator keeps a running average of the time per tile.
type Estimator struct {
	start time.Time
	total int
	// skipped tiles count as processed but not towards the average.
	skipped int
	now     func() time.Time
}

// NewEstimator starts timing a run of total tiles.
func NewEstimator(total int) *Estimator {
	return &Estimator{start: time.Now(), total: total, now: time.Now}
}

// Skip accounts tiles that were done by an earlier run.
func (e *Estimator) Skip(n int) {
	e.skipped += n
}

// Remaining estimated time left once processed tiles are done.
func (e *Estimator) Remaining(processed int) (time.Duration, bool) {
	done := processed - e.skipped
	if done <= 0 || processed >= e.total {
		return 0, processed >= e.total
	}
	perTile := e.now().Sub(e.start) / time.Duration(done)
	return perTile * time.Duration(e.total-processed), true
}

// Message "Tiles processed: N of M" plus the remaining time once known.
func (e *Estimator) Message(processed int) string {
	msg := fmt.Sprintf("Tiles processed: %d of %d", processed, e.total)
	if d, ok := e.Remaining(processed); ok && processed < e.total {
		msg += "\nApprox. time remaining: " + FormatDuration(d)
	}
	return msg
}

// Percent of the run done.
func (e *Estimator) Percent(processed int) float64 {
	if e.total == 0 {
		return 100
	}
	return float64(processed) / float64(e.total) * 100
}

// FormatDuration "1h 3m", "2m 15s", "45s". Seconds are dropped past an hour.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Second {
		return "0s"
	}
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if s > 0 && h == 0 {
		parts = append(parts, fmt.Sprintf("%ds", s))
	}
	return strings.Join(parts, " ")
}
