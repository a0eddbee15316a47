package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/textproto"

	gomail "github.com/go-mail/mail/v2"
)

// SMTPConfig holds the upstream mail server credentials.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// InsecureSkipVerify is for local/staging relays with self-signed certs.
	InsecureSkipVerify bool
}

// SMTPProvider sends envelopes through a single SMTP relay, dialing a new
// connection for each message. It classifies delivery failures into retryable vs.
// permanent by inspecting the SMTP reply code the same way a mail
// client would: 4xx is a temporary failure, 5xx is permanent.
type SMTPProvider struct {
	dialer *gomail.Dialer
}

// NewSMTPProvider builds a Provider backed by cfg.
func NewSMTPProvider(cfg SMTPConfig) *SMTPProvider {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.InsecureSkipVerify {
		dialer.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &SMTPProvider{dialer: dialer}
}

func (p *SMTPProvider) Send(ctx context.Context, envelope Envelope) (Result, error) {
	msg := gomail.NewMessage()
	msg.SetHeader("From", envelope.From)
	msg.SetHeader("To", envelope.To...)
	if envelope.ReplyTo != "" {
		msg.SetHeader("Reply-To", envelope.ReplyTo)
	}
	msg.SetHeader("Subject", envelope.Subject)
	if envelope.Text != "" {
		msg.SetBody("text/plain", envelope.Text)
		msg.AddAlternative("text/html", envelope.HTML)
	} else {
		msg.SetBody("text/html", envelope.HTML)
	}
	for _, tag := range envelope.Tags {
		msg.SetHeader("X-Tag", tag)
	}

	done := make(chan error, 1)
	go func() { done <- p.dialer.DialAndSend(msg) }()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case err := <-done:
		if err == nil {
			return Result{OK: true}, nil
		}
		return classifySMTPError(err), nil
	}
}

func classifySMTPError(err error) Result {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code >= 500 {
			return Result{OK: false, ErrorCode: protoErr.Msg, ErrorClass: ErrorClassPermanent}
		}
		if protoErr.Code >= 400 {
			return Result{OK: false, ErrorCode: protoErr.Msg, ErrorClass: ErrorClassRetryable}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Result{OK: false, ErrorCode: err.Error(), ErrorClass: ErrorClassRetryable}
	}
	return Result{OK: false, ErrorCode: err.Error(), ErrorClass: ErrorClassRetryable}
}
