// Package dispatch routes alerts to channel adapters for registered
// recipients, bounded by a global hourly rate limit and a per-kind cooldown,
// and records every delivery attempt in the notification log.
package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/metgo/valleymet/internal/config"
	"github.com/metgo/valleymet/internal/metrics"
	"github.com/metgo/valleymet/internal/models"
	"github.com/metgo/valleymet/internal/notify"
	"github.com/metgo/valleymet/internal/store"
)

// Publisher exports dispatched alerts to an external bus. Optional.
type Publisher interface {
	PublishAlert(ctx context.Context, a models.Alert) error
}

// ChannelCounts aggregates outcomes for one channel.
type ChannelCounts struct {
	Sent       int
	Failed     int
	Suppressed int
}

// Report summarizes one dispatch invocation.
type Report struct {
	Alerts     []models.Alert
	PerChannel map[models.Channel]*ChannelCounts
	ErrorKinds map[string]int
}

func newReport(alerts []models.Alert) *Report {
	return &Report{
		Alerts:     alerts,
		PerChannel: make(map[models.Channel]*ChannelCounts),
		ErrorKinds: make(map[string]int),
	}
}

func (r *Report) counts(ch models.Channel) *ChannelCounts {
	c, ok := r.PerChannel[ch]
	if !ok {
		c = &ChannelCounts{}
		r.PerChannel[ch] = c
	}
	return c
}

// Sent returns the total successful sends across channels.
func (r *Report) Sent() int {
	n := 0
	for _, c := range r.PerChannel {
		n += c.Sent
	}
	return n
}

type Dispatcher struct {
	store    *store.Store
	window   SendWindow
	channels map[models.Channel]notify.Channel
	cfg      config.Dispatch
	clock    clockwork.Clock
	bus      Publisher

	// retryBase is the first retry delay; attempt n waits retryBase << n.
	retryBase time.Duration
}

func New(st *store.Store, window SendWindow, channels []notify.Channel, cfg config.Dispatch, clock clockwork.Clock) *Dispatcher {
	m := make(map[models.Channel]notify.Channel, len(channels))
	for _, ch := range channels {
		m[ch.Name()] = ch
	}
	return &Dispatcher{
		store:     st,
		window:    window,
		channels:  m,
		cfg:       cfg,
		clock:     clock,
		retryBase: time.Second,
	}
}

// SetPublisher attaches an optional alert event publisher.
func (d *Dispatcher) SetPublisher(p Publisher) { d.bus = p }

// SetRetryBase overrides the first retry delay. Zero disables waiting.
func (d *Dispatcher) SetRetryBase(base time.Duration) { d.retryBase = base }

// Dispatch delivers the alerts to every subscribed active recipient. A send
// failure affects only its (alert, recipient, channel) tuple; the rest of
// the report continues.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []models.Alert) (*Report, error) {
	report := newReport(alerts)
	if len(alerts) == 0 {
		return report, nil
	}

	recipients, err := d.store.ActiveRecipients()
	if err != nil {
		return report, fmt.Errorf("load recipients: %w", err)
	}

	for _, a := range alerts {
		if err := d.store.InsertAlert(a); err != nil {
			log.Printf("dispatch: log alert %s: %v", a.ID, err)
		}
		metrics.AlertsGenerated.WithLabelValues(string(a.Kind), a.Severity.String()).Inc()

		for _, r := range recipients {
			if !r.Subscribed(a.Kind, a.Severity) {
				continue
			}
			d.deliver(ctx, a, r, report)
		}

		if d.bus != nil {
			if err := d.bus.PublishAlert(ctx, a); err != nil {
				log.Printf("dispatch: publish alert %s: %v", a.ID, err)
			}
		}
	}
	return report, nil
}

func (d *Dispatcher) deliver(ctx context.Context, a models.Alert, r models.Recipient, report *Report) {
	now := d.clock.Now()
	fallback := d.fallbackChannel(r)

	if d.quietHours(now) && a.Severity < models.SeverityCritical {
		d.record(a, r, fallback, models.OutcomeSuppressed, models.ReasonQuietHours, report)
		return
	}

	sentLastHour, err := d.window.CountSentSince(ctx, now.Add(-time.Hour))
	if err != nil {
		log.Printf("dispatch: send window: %v", err)
	}
	if err == nil && sentLastHour >= d.cfg.MaxAlertsPerHour {
		d.record(a, r, fallback, models.OutcomeSuppressed, models.ReasonRateLimitHour, report)
		return
	}

	last, err := d.window.LastSent(ctx, a.Kind, r.ID)
	if err != nil {
		log.Printf("dispatch: send window: %v", err)
	}
	if err == nil && !last.IsZero() && now.Sub(last) < d.cfg.Cooldown {
		d.record(a, r, fallback, models.OutcomeSuppressed, models.ReasonCooldown, report)
		return
	}

	var lastErr error
	for _, name := range r.Channels {
		ch, ok := d.channels[name]
		if !ok {
			continue
		}
		dest, ok := destination(r, name)
		if !ok {
			continue
		}

		err := d.sendWithRetry(ctx, ch, dest, a)
		at := d.clock.Now()
		if err == nil {
			if werr := d.window.Record(ctx, a.Kind, r.ID, name, at); werr != nil {
				log.Printf("dispatch: record send window: %v", werr)
			}
			d.record(a, r, name, models.OutcomeSent, "", report)
			return
		}
		lastErr = err
		kind := models.DeliveryKind(err)
		report.ErrorKinds[kind]++
		d.record(a, r, name, models.OutcomeFailed, kind, report)
		log.Printf("dispatch: %s to %s via %s: %v", a.Kind, r.ID, name, err)
	}
	if lastErr == nil {
		// no usable channel for the recipient
		d.record(a, r, fallback, models.OutcomeFailed, "permanent_address", report)
	}
}

// sendWithRetry attempts a channel send, retrying transient failures with
// exponential backoff from retryBase.
func (d *Dispatcher) sendWithRetry(ctx context.Context, ch notify.Channel, dest string, a models.Alert) error {
	var err error
	for attempt := 0; ; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.ChannelTimeout)
		err = ch.Send(sendCtx, dest, notify.Subject(a), notify.Body(a))
		cancel()
		if err == nil || !models.Transient(err) || attempt >= d.cfg.MaxChannelRetries {
			return err
		}
		if d.retryBase > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-d.clock.After(d.retryBase << attempt):
			}
		}
	}
}

func (d *Dispatcher) record(a models.Alert, r models.Recipient, ch models.Channel, outcome models.Outcome, reason string, report *Report) {
	rec := models.NotificationRecord{
		AlertID:   a.ID,
		Channel:   ch,
		Recipient: r.ID,
		AttemptAt: d.clock.Now(),
		Outcome:   outcome,
	}
	if reason != "" {
		rec.Reason = sql.NullString{String: reason, Valid: true}
	}
	if err := d.store.AppendNotification(rec, a.Kind); err != nil {
		log.Printf("dispatch: append notification: %v", err)
	}
	metrics.Notifications.WithLabelValues(string(ch), string(outcome)).Inc()

	c := report.counts(ch)
	switch outcome {
	case models.OutcomeSent:
		c.Sent++
	case models.OutcomeFailed:
		c.Failed++
	case models.OutcomeSuppressed:
		c.Suppressed++
	}
}

// quietHours reports whether now falls outside the configured active window.
func (d *Dispatcher) quietHours(now time.Time) bool {
	if !d.cfg.QuietHoursEnabled {
		return false
	}
	h := now.Hour()
	return h < d.cfg.ActiveHourStart || h >= d.cfg.ActiveHourEnd
}

// fallbackChannel picks the channel recorded on suppressed attempts.
func (d *Dispatcher) fallbackChannel(r models.Recipient) models.Channel {
	if len(r.Channels) > 0 {
		return r.Channels[0]
	}
	return models.ChannelEmail
}

func destination(r models.Recipient, ch models.Channel) (string, bool) {
	switch ch {
	case models.ChannelEmail:
		if r.Email.Valid {
			return r.Email.String, true
		}
	case models.ChannelSMS, models.ChannelWhatsApp:
		if r.Phone.Valid {
			return r.Phone.String, true
		}
	}
	return "", false
}
