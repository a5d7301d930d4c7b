// Package quality runs the periodic data-quality cycle: it scores the recent
// observation window, persists a metric snapshot, and feeds quality and
// meteorological alerts into the dispatcher.
package quality

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/metgo/valleymet/internal/alert"
	"github.com/metgo/valleymet/internal/config"
	"github.com/metgo/valleymet/internal/dispatch"
	"github.com/metgo/valleymet/internal/metrics"
	"github.com/metgo/valleymet/internal/models"
	"github.com/metgo/valleymet/internal/store"
)

// criticalFields are the fields a record must carry to count as valid.
// The timestamp is a schema-level NOT NULL so only the numeric three are
// checked per record.
var criticalFields = []string{"temperature_mean", "relative_humidity", "precipitation"}

// plausibleRanges bounds the fields checked for outliers.
var plausibleRanges = map[string][2]float64{
	"temperature_mean":  {-40, 45},
	"precipitation":     {0, 200},
	"relative_humidity": {0, 100},
	"wind_speed":        {0, 100},
}

// Probe reports whether a weather source is currently reachable.
type Probe interface {
	Name() string
	Available(ctx context.Context) bool
}

// Sink receives the alerts a cycle produced.
type Sink interface {
	Dispatch(ctx context.Context, alerts []models.Alert) (*dispatch.Report, error)
}

// Monitor owns the quality cycle loop.
type Monitor struct {
	store  *store.Store
	sink   Sink
	probes []Probe
	cfg    config.Monitor
	th     config.Thresholds
	clock  clockwork.Clock

	// alertCooldown mirrors the dispatcher's cooldown so the empty-window
	// source_unavailable alert is not re-emitted every cycle.
	alertCooldown time.Duration
}

func New(st *store.Store, sink Sink, probes []Probe, cfg config.Monitor, th config.Thresholds, alertCooldown time.Duration, clock clockwork.Clock) *Monitor {
	return &Monitor{
		store:         st,
		sink:          sink,
		probes:        probes,
		cfg:           cfg,
		th:            th,
		clock:         clock,
		alertCooldown: alertCooldown,
	}
}

// Run executes cycles on the configured period until ctx is cancelled.
// Cycles never overlap; a cycle that exceeds four periods is abandoned via
// its deadline and the loop moves on.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.CyclePeriod)
	defer ticker.Stop()
	log.Printf("quality: monitor started, period %s", m.cfg.CyclePeriod)

	for {
		select {
		case <-ctx.Done():
			log.Printf("quality: monitor stopped: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.Chan():
			cycleCtx, cancel := context.WithTimeout(ctx, 4*m.cfg.CyclePeriod)
			if _, err := m.RunCycle(cycleCtx); err != nil {
				log.Printf("quality: cycle failed: %v", err)
			}
			cancel()
			m.sweepRetention()
		}
	}
}

// RunCycle scores the trailing 24 h window, persists the snapshot, and
// dispatches any alerts. The snapshot is written before notifications go
// out so a delivery failure never loses the metrics.
func (m *Monitor) RunCycle(ctx context.Context) (*models.QualitySnapshot, error) {
	start := m.clock.Now()
	defer func() {
		metrics.QualityCycleDuration.Observe(m.clock.Since(start).Seconds())
	}()

	now := start.UTC().Truncate(time.Second)
	records, err := m.store.Observations(now.Add(-24*time.Hour), now, "", m.cfg.MaxWindowRecords)
	if err != nil {
		return nil, fmt.Errorf("quality cycle: %w", err)
	}

	snap := m.score(ctx, records, now)
	if err := m.store.InsertSnapshot(*snap); err != nil {
		return nil, fmt.Errorf("quality cycle: %w", err)
	}
	metrics.QualityPercent.Set(snap.QualityPercent)

	alerts := m.qualityAlerts(snap, len(records) == 0)
	met, err := m.evaluateMeteorological(now)
	if err != nil {
		log.Printf("quality: meteorological evaluation skipped: %v", err)
	} else {
		alerts = append(alerts, met...)
	}

	if len(alerts) > 0 && m.sink != nil {
		if _, err := m.sink.Dispatch(ctx, alerts); err != nil {
			return snap, fmt.Errorf("quality cycle: dispatch: %w", err)
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return snap, fmt.Errorf("%w: cycle exceeded %s", models.ErrCycleTimeout, 4*m.cfg.CyclePeriod)
	}
	return snap, nil
}

// score computes the snapshot for one window. It does no I/O beyond the
// health probes.
func (m *Monitor) score(ctx context.Context, records []models.Observation, now time.Time) *models.QualitySnapshot {
	snap := &models.QualitySnapshot{
		Timestamp:    now,
		TotalRecords: len(records),
	}
	if len(records) == 0 {
		// an empty window reports every source down without probing
		snap.SourceAvailability = make(map[string]bool, len(m.probes))
		for _, p := range m.probes {
			snap.SourceAvailability[p.Name()] = false
		}
		return snap
	}
	snap.SourceAvailability = m.probeSources(ctx)

	for _, name := range criticalFields {
		if !knownField(name) {
			snap.MissingCriticalCount++
		}
	}

	for _, rec := range records {
		valid := true
		for _, name := range criticalFields {
			if !rec.Field(name).Valid {
				valid = false
				snap.MissingCriticalCount++
			}
		}
		if valid {
			snap.ValidRecords++
		}
		for _, name := range models.NumericFields {
			if !rec.Field(name).Valid {
				snap.NullCount++
			}
		}
		for name, bounds := range plausibleRanges {
			f := rec.Field(name)
			if f.Valid && (f.Float64 < bounds[0] || f.Float64 > bounds[1]) {
				snap.OutlierCount++
			}
		}
	}
	snap.ErrorRecords = snap.TotalRecords - snap.ValidRecords
	snap.QualityPercent = 100 * float64(snap.ValidRecords) / float64(max(snap.TotalRecords, 1))

	latency, err := m.store.MeanLatencySince(now.Add(-24 * time.Hour))
	if err != nil {
		log.Printf("quality: latency log unavailable: %v", err)
	} else {
		snap.MeanLatencySeconds = latency
	}
	return snap
}

func (m *Monitor) probeSources(ctx context.Context) map[string]bool {
	availability := make(map[string]bool, len(m.probes))
	for _, p := range m.probes {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		availability[p.Name()] = p.Available(probeCtx)
		cancel()
	}
	return availability
}

// qualityAlerts derives the quality alert set from a snapshot.
func (m *Monitor) qualityAlerts(snap *models.QualitySnapshot, emptyWindow bool) []models.Alert {
	var alerts []models.Alert
	add := func(kind models.AlertKind, sev models.Severity, observed, threshold float64, msg string) {
		alerts = append(alerts, models.Alert{
			ID:            models.NewAlertID(),
			Timestamp:     snap.Timestamp,
			Kind:          kind,
			Severity:      sev,
			ObservedValue: observed,
			Threshold:     threshold,
			Message:       msg,
		})
	}

	if emptyWindow {
		if m.recentlyAlerted(models.KindSourceUnavailable, snap.Timestamp) {
			return nil
		}
		add(models.KindSourceUnavailable, models.SeverityCritical, 0, m.cfg.SourceMinRatio,
			"no observations received in the last 24h")
		return alerts
	}

	if snap.QualityPercent < m.cfg.QualityMinPercent {
		add(models.KindQualityLow, models.SeverityCritical, snap.QualityPercent, m.cfg.QualityMinPercent,
			fmt.Sprintf("data quality %.1f%% below minimum %.1f%%", snap.QualityPercent, m.cfg.QualityMinPercent))
	}
	if snap.ErrorRecords > m.cfg.ErrorsMaxPerHour {
		add(models.KindQualityErrorSpike, models.SeverityWarning, float64(snap.ErrorRecords), float64(m.cfg.ErrorsMaxPerHour),
			fmt.Sprintf("%d invalid records in window, limit %d", snap.ErrorRecords, m.cfg.ErrorsMaxPerHour))
	}
	if snap.MissingCriticalCount > m.cfg.MissingThreshold {
		add(models.KindMissingFieldsExcessive, models.SeverityWarning, float64(snap.MissingCriticalCount), float64(m.cfg.MissingThreshold),
			fmt.Sprintf("%d critical fields missing, limit %d", snap.MissingCriticalCount, m.cfg.MissingThreshold))
	}
	if snap.MeanLatencySeconds.Valid && snap.MeanLatencySeconds.Float64 > m.cfg.LatencyMax.Seconds() {
		add(models.KindLatencyHigh, models.SeverityWarning, snap.MeanLatencySeconds.Float64, m.cfg.LatencyMax.Seconds(),
			fmt.Sprintf("mean ingest latency %.1fs above %.0fs", snap.MeanLatencySeconds.Float64, m.cfg.LatencyMax.Seconds()))
	}
	if ratio := availableRatio(snap.SourceAvailability); len(snap.SourceAvailability) > 0 && ratio < m.cfg.SourceMinRatio {
		add(models.KindSourceUnavailable, models.SeverityCritical, ratio, m.cfg.SourceMinRatio,
			fmt.Sprintf("only %.0f%% of sources reachable", 100*ratio))
	}
	return alerts
}

// evaluateMeteorological runs the threshold table over the latest
// observation per station.
func (m *Monitor) evaluateMeteorological(now time.Time) ([]models.Alert, error) {
	latest, err := m.store.LatestPerStation()
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return nil, nil
	}
	prev := func(stationID string, before time.Time) *models.Observation {
		p, err := m.store.PreviousObservation(stationID, before)
		if err != nil {
			log.Printf("quality: previous observation for %s: %v", stationID, err)
			return nil
		}
		return p
	}
	return alert.Evaluate(latest, prev, m.th, now), nil
}

func (m *Monitor) recentlyAlerted(kind models.AlertKind, now time.Time) bool {
	last, err := m.store.LastAlertTime(kind)
	if err != nil {
		log.Printf("quality: alert log: %v", err)
		return false
	}
	return !last.IsZero() && now.Sub(last) < m.alertCooldown
}

func (m *Monitor) sweepRetention() {
	now := m.clock.Now().UTC()
	if n, err := m.store.DeleteSnapshotsBefore(now.AddDate(0, 0, -m.cfg.SnapshotRetentionDays)); err != nil {
		log.Printf("quality: snapshot retention: %v", err)
	} else if n > 0 {
		log.Printf("quality: dropped %d expired snapshots", n)
	}
	if n, err := m.store.DeleteAlertsBefore(now.AddDate(0, 0, -m.cfg.AlertRetentionDays)); err != nil {
		log.Printf("quality: alert retention: %v", err)
	} else if n > 0 {
		log.Printf("quality: dropped %d expired alerts", n)
	}
	if _, err := m.store.DeleteIngestRunsBefore(now.AddDate(0, 0, -m.cfg.SnapshotRetentionDays)); err != nil {
		log.Printf("quality: ingest run retention: %v", err)
	}
}

func knownField(name string) bool {
	for _, f := range models.NumericFields {
		if f == name {
			return true
		}
	}
	return false
}

func availableRatio(availability map[string]bool) float64 {
	if len(availability) == 0 {
		return 0
	}
	up := 0
	for _, ok := range availability {
		if ok {
			up++
		}
	}
	return float64(up) / float64(len(availability))
}
