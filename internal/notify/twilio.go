package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/metgo/valleymet/internal/config"
	"github.com/metgo/valleymet/internal/models"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// twilioClient posts messages to a Twilio-compatible REST endpoint. SMS and
// WhatsApp share the transport; WhatsApp prefixes addresses.
type twilioClient struct {
	cfg    config.Twilio
	client *http.Client
}

func newTwilioClient(cfg config.Twilio, timeout time.Duration) *twilioClient {
	return &twilioClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *twilioClient) send(ctx context.Context, from, to, body string) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.AccountSID)

	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", models.ErrTransientNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", models.ErrProviderRateLimited, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", models.ErrPermanentCredentials, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", models.ErrPermanentAddress, resp.StatusCode)
	}
	return fmt.Errorf("%w: status %d", models.ErrTransientNetwork, resp.StatusCode)
}

// SMS delivers text messages.
type SMS struct {
	*twilioClient
}

func NewSMS(cfg config.Twilio, timeout time.Duration) *SMS {
	return &SMS{newTwilioClient(cfg, timeout)}
}

func (s *SMS) Name() models.Channel { return models.ChannelSMS }

func (s *SMS) Validate(destination string) bool {
	return e164.MatchString(destination)
}

func (s *SMS) Send(ctx context.Context, destination, subject, body string) error {
	if !s.Validate(destination) {
		return fmt.Errorf("%w: %q", models.ErrPermanentAddress, destination)
	}
	return s.send(ctx, s.cfg.FromSMS, destination, body)
}

// WhatsApp delivers through the same provider with prefixed addresses.
type WhatsApp struct {
	*twilioClient
}

func NewWhatsApp(cfg config.Twilio, timeout time.Duration) *WhatsApp {
	return &WhatsApp{newTwilioClient(cfg, timeout)}
}

func (w *WhatsApp) Name() models.Channel { return models.ChannelWhatsApp }

func (w *WhatsApp) Validate(destination string) bool {
	return e164.MatchString(destination)
}

func (w *WhatsApp) Send(ctx context.Context, destination, subject, body string) error {
	if !w.Validate(destination) {
		return fmt.Errorf("%w: %q", models.ErrPermanentAddress, destination)
	}
	return w.send(ctx, "whatsapp:"+w.cfg.FromWA, "whatsapp:"+destination, body)
}
