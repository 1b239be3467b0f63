package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sony/gobreaker"
)

const (
	GmailSMTPHost    = "smtp.gmail.com"
	GmailSMTPAddress = "smtp.gmail.com:465"
)

// SMTPSender delivers messages over authenticated SMTP. Gmail threads them by
// their In-Reply-To and References headers; the returned Sent carries no IDs.
type SMTPSender struct {
	Address     string
	Username    string
	AppPassword string
	// Dial opens the client connection. Defaults to implicit TLS.
	Dial func(ctx context.Context, addr string) (*smtp.Client, error)

	cb *gobreaker.CircuitBreaker
}

// NewSMTPSender sends through Gmail's SMTP relay with an app password.
func NewSMTPSender(username, appPassword string) *SMTPSender {
	return &SMTPSender{
		Address:     GmailSMTPAddress,
		Username:    username,
		AppPassword: appPassword,
		cb:          gobreaker.NewCircuitBreaker(breakerSettings("gmail-smtp")),
	}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, out Outgoing) (Sent, error) {
	if len(out.Recipients) == 0 {
		return Sent{}, errors.New("smtp: at least one recipient is required")
	}
	from := out.From
	if from == "" {
		from = s.Username
	}

	send := func() (interface{}, error) {
		return nil, s.deliver(ctx, from, out)
	}
	var err error
	if s.cb != nil {
		_, err = s.cb.Execute(send)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: smtp: %w", ErrUnavailable, err)
		}
	} else {
		_, err = send()
	}
	if err != nil {
		return Sent{}, err
	}
	return Sent{ThreadID: out.ThreadID}, nil
}

func (s *SMTPSender) deliver(ctx context.Context, from string, out Outgoing) error {
	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if s.Username != "" {
		auth := sasl.NewPlainClient("", s.Username, s.AppPassword)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("%w: smtp auth: %w", ErrUnauthorized, err)
		}
	}
	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("smtp: MAIL FROM failed: %w", err)
	}
	for _, rcpt := range out.Recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("smtp: RCPT TO %q failed: %w", rcpt, err)
		}
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp: DATA failed: %w", err)
	}
	if _, err := writer.Write(out.Raw); err != nil {
		return fmt.Errorf("smtp: writing message failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("smtp: finalizing message failed: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("smtp: QUIT failed: %w", err)
	}
	return nil
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	if s.Dial != nil {
		return s.Dial(ctx, s.Address)
	}
	host, _, err := net.SplitHostPort(s.Address)
	if err != nil {
		return nil, fmt.Errorf("smtp: invalid address %q: %w", s.Address, err)
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 30 * time.Second},
		Config:    &tls.Config{ServerName: host},
	}
	conn, err := dialer.DialContext(ctx, "tcp", s.Address)
	if err != nil {
		return nil, fmt.Errorf("smtp: TLS dial failed: %w", err)
	}
	return smtp.NewClient(conn), nil
}
