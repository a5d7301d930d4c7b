package notify

import (
	"context"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/metgo/valleymet/internal/config"
	"github.com/metgo/valleymet/internal/models"
)

// Email delivers through an SMTP submission endpoint.
type Email struct {
	cfg config.SMTP
}

func NewEmail(cfg config.SMTP) *Email {
	return &Email{cfg: cfg}
}

func (e *Email) Name() models.Channel { return models.ChannelEmail }

func (e *Email) Validate(destination string) bool {
	addr, err := mail.ParseAddress(destination)
	return err == nil && addr.Address == destination
}

func (e *Email) Send(ctx context.Context, destination, subject, body string) error {
	if !e.Validate(destination) {
		return fmt.Errorf("%w: %q", models.ErrPermanentAddress, destination)
	}

	msg := strings.Join([]string{
		"From: " + e.cfg.From,
		"To: " + destination,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	var auth smtp.Auth
	if e.cfg.User != "" {
		auth = smtp.PlainAuth("", e.cfg.User, e.cfg.Pass, e.cfg.Host)
	}

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, e.cfg.From, []string{destination}, []byte(msg))
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: smtp: %v", models.ErrTransientNetwork, ctx.Err())
	case err := <-done:
		if err != nil {
			return classifySMTP(err)
		}
		return nil
	}
}

func classifySMTP(err error) error {
	if te, ok := err.(*textproto.Error); ok {
		switch {
		case te.Code == 535 || te.Code == 530:
			return fmt.Errorf("%w: smtp %d: %s", models.ErrPermanentCredentials, te.Code, te.Msg)
		case te.Code == 550 || te.Code == 551 || te.Code == 553:
			return fmt.Errorf("%w: smtp %d: %s", models.ErrPermanentAddress, te.Code, te.Msg)
		case te.Code >= 400 && te.Code < 500:
			return fmt.Errorf("%w: smtp %d: %s", models.ErrTransientNetwork, te.Code, te.Msg)
		}
		return fmt.Errorf("%w: smtp %d: %s", models.ErrPermanentAddress, te.Code, te.Msg)
	}
	if _, ok := err.(net.Error); ok {
		return fmt.Errorf("%w: smtp: %v", models.ErrTransientNetwork, err)
	}
	return fmt.Errorf("%w: smtp: %v", models.ErrTransientNetwork, err)
}
