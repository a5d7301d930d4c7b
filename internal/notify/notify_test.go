package notify

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/metgo/valleymet/internal/config"
	"github.com/metgo/valleymet/internal/models"
)

func TestEmailValidate(t *testing.T) {
	e := NewEmail(config.SMTP{})
	valid := []string{"ops@example.com", "grower.one@fundo.cl"}
	invalid := []string{"", "not-an-address", "a@", "@b.cl", "Ops <ops@example.com>"}
	for _, addr := range valid {
		if !e.Validate(addr) {
			t.Errorf("Validate(%q) = false, want true", addr)
		}
	}
	for _, addr := range invalid {
		if e.Validate(addr) {
			t.Errorf("Validate(%q) = true, want false", addr)
		}
	}
}

func TestPhoneValidate(t *testing.T) {
	s := NewSMS(config.Twilio{}, time.Second)
	valid := []string{"+56912345678", "+14155552671"}
	invalid := []string{"", "56912345678", "+0123", "+56 9 1234 5678", "912345678"}
	for _, p := range valid {
		if !s.Validate(p) {
			t.Errorf("Validate(%q) = false, want true", p)
		}
	}
	for _, p := range invalid {
		if s.Validate(p) {
			t.Errorf("Validate(%q) = true, want false", p)
		}
	}
}

func TestTwilioStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{201, nil},
		{429, models.ErrProviderRateLimited},
		{401, models.ErrPermanentCredentials},
		{400, models.ErrPermanentAddress},
		{500, models.ErrTransientNetwork},
		{503, models.ErrTransientNetwork},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			if err := r.ParseForm(); err != nil {
				t.Fatalf("parse form: %v", err)
			}
			if got := r.PostForm.Get("To"); got != "+56912345678" {
				t.Errorf("To = %q", got)
			}
			w.WriteHeader(tc.status)
		}))

		sms := NewSMS(config.Twilio{
			AccountSID: "AC123",
			AuthToken:  "secret",
			FromSMS:    "+10000000000",
			BaseURL:    srv.URL,
		}, time.Second)

		err := sms.Send(context.Background(), "+56912345678", "", "frost warning")
		if tc.want == nil && err != nil {
			t.Errorf("status %d: unexpected error %v", tc.status, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
		srv.Close()
	}
}

func TestWhatsAppPrefix(t *testing.T) {
	var gotFrom, gotTo string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotFrom = r.PostForm.Get("From")
		gotTo = r.PostForm.Get("To")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	wa := NewWhatsApp(config.Twilio{
		AccountSID: "AC123",
		FromWA:     "+10000000000",
		BaseURL:    srv.URL,
	}, time.Second)
	if err := wa.Send(context.Background(), "+56912345678", "", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotFrom != "whatsapp:+10000000000" || gotTo != "whatsapp:+56912345678" {
		t.Errorf("From/To = %q/%q", gotFrom, gotTo)
	}
}

func TestSendRejectsBadAddressLocally(t *testing.T) {
	sms := NewSMS(config.Twilio{BaseURL: "http://127.0.0.1:1"}, time.Second)
	err := sms.Send(context.Background(), "nope", "", "body")
	if !errors.Is(err, models.ErrPermanentAddress) {
		t.Fatalf("err = %v, want ErrPermanentAddress", err)
	}
}

func TestBodyContent(t *testing.T) {
	a := models.Alert{
		ID:             "x",
		Timestamp:      time.Date(2026, 7, 15, 6, 0, 0, 0, time.UTC),
		Kind:           models.KindFrostCritical,
		Severity:       models.SeverityCritical,
		MetricName:     "temperature_min",
		ObservedValue:  -3,
		Threshold:      -2,
		Message:        "quillota_centro: minimum temperature -3.0 °C at or below -2.0 °C",
		Recommendation: "Activate frost control now.",
		StationID:      sql.NullString{String: "quillota_centro", Valid: true},
	}
	body := Body(a)
	for _, want := range []string{"frost_critical", "quillota_centro", "temperature_min", "-3.0", "Activate frost control"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if subj := Subject(a); subj != "[CRITICAL] frost_critical" {
		t.Errorf("subject = %q", subj)
	}
}

func TestBodyTruncation(t *testing.T) {
	a := models.Alert{
		Kind:     models.KindHeatExtreme,
		Severity: models.SeverityWarning,
		Message:  strings.Repeat("ñ", 5000),
	}
	body := Body(a)
	if len(body) > 4096 {
		t.Fatalf("body length %d exceeds 4096", len(body))
	}
	if !utf8.ValidString(body) {
		t.Fatal("truncation split a rune")
	}
}
