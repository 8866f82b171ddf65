// Package anomaly implements slow-ramp ("boiling frog") detection: request
// volume is aggregated per minute, normalized against a learned per-hour
// seasonal baseline, and analyzed for sustained upward trends over several
// independent sliding windows. Short windows catch fast ramps, long windows
// catch attacks that escalate too slowly for any fixed threshold to notice.
package anomaly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/perimeterlabs/secplane/instrumentation"
)

const (
	// DefaultLearningSamples is how many minute samples are collected
	// before detection activates, avoiding cold-start false positives.
	DefaultLearningSamples = 60

	// DefaultAlertInterval throttles repeated alerts per window.
	DefaultAlertInterval = 5 * time.Minute

	// minPointsForTrend is the minimum window population before a trend
	// is computed.
	minPointsForTrend = 3

	// minSamplesForBaseline is how many samples an hour-of-day bucket
	// needs before its mean replaces the default baseline of 1. One
	// bucket collects 60 samples per day, so this is a full day's worth:
	// a mean built from less would let the current ramp normalize itself
	// away.
	minSamplesForBaseline = 60

	tickInterval = time.Minute
)

// Window is one sliding detection window.
type Window struct {
	Name           string
	Duration       time.Duration
	SlopeThreshold float64 // minimum least-squares slope, in adjusted count per minute
	RunThreshold   int     // minimum run of strictly increasing samples
}

// DefaultWindows returns the standard window set. Thresholds loosen with
// duration: a long window needs a shallower but much more sustained climb.
func DefaultWindows() []Window {
	return []Window{
		{Name: "5m", Duration: 5 * time.Minute, SlopeThreshold: 1.0, RunThreshold: 3},
		{Name: "30m", Duration: 30 * time.Minute, SlopeThreshold: 0.5, RunThreshold: 5},
		{Name: "2h", Duration: 2 * time.Hour, SlopeThreshold: 0.25, RunThreshold: 8},
		{Name: "24h", Duration: 24 * time.Hour, SlopeThreshold: 0.1, RunThreshold: 15},
	}
}

// Alert describes a detected slow ramp.
type Alert struct {
	Window               string
	Duration             time.Duration
	Slope                float64
	ConsecutiveIncreases int
	CurrentValue         float64
	StartValue           float64
	PercentIncrease      float64
}

// sample is one per-minute data point.
type sample struct {
	at       time.Time
	raw      float64
	adjusted float64
}

// baseline is a running mean of raw counts for one hour of day.
type baseline struct {
	sum float64
	n   int
}

func (b baseline) value() float64 {
	if b.n < minSamplesForBaseline {
		return 1
	}
	return b.sum / float64(b.n)
}

// windowState holds one window's points and alert throttle.
type windowState struct {
	window   Window
	points   []sample
	throttle *rate.Limiter
}

// Detector aggregates request activity and emits slow-ramp alerts through
// the OnAlert callback. RecordRequest is safe for concurrent use; analysis
// runs once a minute on a background goroutine, each pass running to
// completion before the next begins.
type Detector struct {
	mu sync.Mutex

	// current minute aggregate
	count        int64
	errors       int64
	distinctKeys map[string]struct{}

	windows      []*windowState
	baselines    [24]baseline
	totalSamples int64
	totalAlerts  int64
	learning     int

	onAlert func(Alert)
	logger  *slog.Logger
	inst    *instrumentation.Instrumentation

	stopTick chan struct{}
	stopOnce sync.Once
}

// Config holds detector configuration.
type Config struct {
	// Windows defaults to DefaultWindows().
	Windows []Window

	// LearningSamples is the number of minute samples collected before
	// detection activates. 0 uses DefaultLearningSamples; negative
	// disables learning mode entirely.
	LearningSamples int

	// AlertInterval throttles alerts per window.
	AlertInterval time.Duration

	// OnAlert receives detected ramps (already throttled). Called from
	// the detector's tick goroutine; must not block.
	OnAlert func(Alert)

	Logger *slog.Logger
}

// New creates a detector and starts its per-minute analysis loop. Call
// Stop to terminate it.
func New(cfg Config) *Detector {
	if len(cfg.Windows) == 0 {
		cfg.Windows = DefaultWindows()
	}
	if cfg.LearningSamples == 0 {
		cfg.LearningSamples = DefaultLearningSamples
	}
	if cfg.LearningSamples < 0 {
		cfg.LearningSamples = 0
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = DefaultAlertInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Detector{
		distinctKeys: make(map[string]struct{}),
		learning:     cfg.LearningSamples,
		onAlert:      cfg.OnAlert,
		logger:       cfg.Logger,
		stopTick:     make(chan struct{}),
	}
	for _, w := range cfg.Windows {
		d.windows = append(d.windows, &windowState{
			window:   w,
			throttle: rate.NewLimiter(rate.Every(cfg.AlertInterval), 1),
		})
	}

	go d.tickLoop()

	return d
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (d *Detector) SetInstrumentation(inst *instrumentation.Instrumentation) {
	d.mu.Lock()
	d.inst = inst
	d.mu.Unlock()
}

// RecordRequest adds one request to the current minute aggregate. It never
// blocks beyond the aggregate mutex and never fails; it is a fire-and-forget
// side channel off the request path.
func (d *Detector) RecordRequest(key string, isError bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.count++
	if isError {
		d.errors++
	}
	if key != "" {
		d.distinctKeys[key] = struct{}{}
	}
}

func (d *Detector) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case t := <-ticker.C:
			d.tick(t)
		case <-d.stopTick:
			return
		}
	}
}

// tick snapshots the minute aggregate, folds it into the baselines and
// every window, and runs detection. One pass per minute, run to completion.
func (d *Detector) tick(now time.Time) {
	d.mu.Lock()

	raw := float64(d.count)
	errors := d.errors
	distinct := len(d.distinctKeys)
	d.count = 0
	d.errors = 0
	d.distinctKeys = make(map[string]struct{})

	hour := now.Hour()

	// Adjust against the baseline as it stood before this sample, then
	// fold the sample in. The current minute never normalizes itself.
	adjusted := raw / d.baselines[hour].value()
	d.baselines[hour].sum += raw
	d.baselines[hour].n++
	d.totalSamples++

	point := sample{at: now, raw: raw, adjusted: adjusted}
	for _, ws := range d.windows {
		ws.points = append(ws.points, point)
		ws.trim(now)
	}

	inLearning := d.totalSamples <= int64(d.learning)
	inst := d.inst

	var alerts []Alert
	if !inLearning {
		for _, ws := range d.windows {
			if alert, ok := ws.detect(); ok {
				if !ws.throttle.Allow() {
					d.logger.Debug("Suppressed repeated slow-ramp alert", "window", ws.window.Name)
					continue
				}
				alerts = append(alerts, alert)
				d.totalAlerts++
			}
		}
	}
	onAlert := d.onAlert
	d.mu.Unlock()

	if inst != nil {
		inst.Metrics().AnomalySamples.Add(context.Background(), 1)
	}
	d.logger.Debug("Anomaly sample recorded",
		"raw_count", raw,
		"adjusted_count", adjusted,
		"distinct_keys", distinct,
		"error_count", errors,
		"hour", hour,
		"learning", inLearning)

	for _, alert := range alerts {
		d.logger.Warn("Slow ramp detected",
			"window", alert.Window,
			"slope", alert.Slope,
			"consecutive_increases", alert.ConsecutiveIncreases,
			"start_value", alert.StartValue,
			"current_value", alert.CurrentValue,
			"percent_increase", alert.PercentIncrease)
		if inst != nil {
			inst.Metrics().RecordAnomalyAlert(context.Background(), alert.Window)
		}
		if onAlert != nil {
			onAlert(alert)
		}
	}
}

// trim drops points older than the window's duration.
func (ws *windowState) trim(now time.Time) {
	cutoff := now.Add(-ws.window.Duration)
	i := 0
	for i < len(ws.points) && !ws.points[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		ws.points = append(ws.points[:0], ws.points[i:]...)
	}
}

// detect fits a least-squares trend over the window's adjusted counts and
// measures the longest run of strictly increasing values. Both must clear
// the window's thresholds for an alert.
func (ws *windowState) detect() (Alert, bool) {
	points := ws.points
	if len(points) < minPointsForTrend {
		return Alert{}, false
	}

	slope := leastSquaresSlope(points)
	run := longestIncreasingRun(points)
	if slope < ws.window.SlopeThreshold || run < ws.window.RunThreshold {
		return Alert{}, false
	}

	start := points[0].adjusted
	current := points[len(points)-1].adjusted
	percent := 0.0
	if start > 0 {
		percent = (current - start) / start * 100.0
	}

	return Alert{
		Window:               ws.window.Name,
		Duration:             ws.window.Duration,
		Slope:                slope,
		ConsecutiveIncreases: run,
		CurrentValue:         current,
		StartValue:           start,
		PercentIncrease:      percent,
	}, true
}

// leastSquaresSlope fits y = a + bx over the adjusted counts, with x as the
// sample index (one unit per minute), and returns b.
func leastSquaresSlope(points []sample) float64 {
	n := float64(len(points))
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range points {
		x := float64(i)
		sumX += x
		sumY += p.adjusted
		sumXY += x * p.adjusted
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// longestIncreasingRun returns the length of the longest run of strictly
// increasing consecutive adjusted counts.
func longestIncreasingRun(points []sample) int {
	longest, current := 1, 1
	for i := 1; i < len(points); i++ {
		if points[i].adjusted > points[i-1].adjusted {
			current++
			if current > longest {
				longest = current
			}
		} else {
			current = 1
		}
	}
	return longest
}

// Stop terminates the analysis loop. Safe to call more than once.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopTick)
	})
}

// Stats holds detector statistics for monitoring.
type Stats struct {
	TotalSamples int64
	TotalAlerts  int64
	Learning     bool
	WindowPoints map[string]int
}

// GetStats returns a snapshot of detector statistics.
func (d *Detector) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{
		TotalSamples: d.totalSamples,
		TotalAlerts:  d.totalAlerts,
		Learning:     d.totalSamples <= int64(d.learning),
		WindowPoints: make(map[string]int, len(d.windows)),
	}
	for _, ws := range d.windows {
		stats.WindowPoints[ws.window.Name] = len(ws.points)
	}
	return stats
}
