// Package notify implements the delivery channel adapters: email over SMTP
// and SMS / WhatsApp through a Twilio-style HTTP API. Adapters are single
// attempt; the dispatcher owns retries.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/metgo/valleymet/internal/models"
)

// Channel is the adapter contract. Send must not mutate the body and must
// fail with one of the delivery error kinds.
type Channel interface {
	Name() models.Channel
	Validate(destination string) bool
	Send(ctx context.Context, destination, subject, body string) error
}

// maxBodyBytes bounds message bodies; longer bodies are truncated, never
// rejected.
const maxBodyBytes = 4096

// Subject returns the email subject line for an alert.
func Subject(a models.Alert) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(a.Severity.String()), a.Kind)
}

// Body renders the plain-text notification for an alert.
func Body(a models.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s alert: %s\n", a.Severity, a.Kind)
	fmt.Fprintf(&b, "Time: %s\n", a.Timestamp.UTC().Format("2006-01-02 15:04 UTC"))
	if a.StationID.Valid {
		fmt.Fprintf(&b, "Station: %s\n", a.StationID.String)
	}
	if a.MetricName != "" {
		fmt.Fprintf(&b, "%s: %.1f (threshold %.1f)\n", a.MetricName, a.ObservedValue, a.Threshold)
	}
	fmt.Fprintf(&b, "\n%s\n", a.Message)
	if a.Recommendation != "" {
		fmt.Fprintf(&b, "\nRecommendation: %s\n", a.Recommendation)
	}
	return truncate(b.String(), maxBodyBytes)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// cut on a rune boundary
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
