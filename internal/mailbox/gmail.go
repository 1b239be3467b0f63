package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Scopes requested for the bot's mailbox.
var Scopes = []string{gmail.GmailModifyScope}

// Gmail is a Provider backed by the Gmail REST API.
type Gmail struct {
	svc  *gmail.Service
	user string
	cb   *gobreaker.CircuitBreaker
}

// NewGmail creates a Gmail provider for the authenticated user. Pass
// option.WithTokenSource in production and option.WithEndpoint in tests.
func NewGmail(ctx context.Context, opts ...option.ClientOption) (*Gmail, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Gmail{
		svc:  svc,
		user: "me",
		cb:   gobreaker.NewCircuitBreaker(breakerSettings("gmail-api")),
	}, nil
}

func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// Client errors describe the request, not the health of the API.
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
}

// ListHistory lists messageAdded history strictly after startID.
func (g *Gmail) ListHistory(ctx context.Context, startID uint64, pageToken string) (HistoryPage, error) {
	call := g.svc.Users.History.List(g.user).
		StartHistoryId(startID).
		HistoryTypes("messageAdded").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var resp *gmail.ListHistoryResponse
	err := g.execute("history.list", func() error {
		var apiErr error
		resp, apiErr = call.Do()
		return apiErr
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return HistoryPage{}, fmt.Errorf("%w: start %d: %w", ErrHistoryExpired, startID, err)
		}
		return HistoryPage{}, g.wrap("list history", err)
	}

	page := HistoryPage{
		NextPageToken: resp.NextPageToken,
		HistoryID:     resp.HistoryId,
		Records:       make([]HistoryRecord, 0, len(resp.History)),
	}
	for _, h := range resp.History {
		if h == nil {
			continue
		}
		rec := HistoryRecord{ID: h.Id}
		for _, added := range h.MessagesAdded {
			if added == nil || added.Message == nil {
				continue
			}
			rec.Added = append(rec.Added, MessageRef{ID: added.Message.Id, ThreadID: added.Message.ThreadId})
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// GetMessage fetches a message in full format.
func (g *Gmail) GetMessage(ctx context.Context, id string) (Message, error) {
	var msg *gmail.Message
	err := g.execute("messages.get", func() error {
		var apiErr error
		msg, apiErr = g.svc.Users.Messages.Get(g.user, id).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		return Message{}, g.wrap("get message "+id, err)
	}
	return parseMessage(msg), nil
}

// Send posts a raw message, threaded when ThreadID is set.
func (g *Gmail) Send(ctx context.Context, out Outgoing) (Sent, error) {
	req := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(out.Raw),
		ThreadId: out.ThreadID,
	}
	var sent *gmail.Message
	err := g.execute("messages.send", func() error {
		var apiErr error
		sent, apiErr = g.svc.Users.Messages.Send(g.user, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return Sent{}, g.wrap("send message", err)
	}
	return Sent{ID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// Watch subscribes the mailbox to push notifications on topic.
func (g *Gmail) Watch(ctx context.Context, topic string, labelIDs []string) (Watch, error) {
	req := &gmail.WatchRequest{TopicName: topic, LabelIds: labelIDs}
	var resp *gmail.WatchResponse
	err := g.execute("watch", func() error {
		var apiErr error
		resp, apiErr = g.svc.Users.Watch(g.user, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return Watch{}, g.wrap("start watch", err)
	}
	return Watch{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

// Stop cancels push notifications for the mailbox.
func (g *Gmail) Stop(ctx context.Context) error {
	err := g.execute("stop", func() error {
		return g.svc.Users.Stop(g.user).Context(ctx).Do()
	})
	if err != nil {
		return g.wrap("stop watch", err)
	}
	return nil
}

// Profile returns the authenticated address and current history ID.
func (g *Gmail) Profile(ctx context.Context) (Profile, error) {
	var resp *gmail.Profile
	err := g.execute("profile", func() error {
		var apiErr error
		resp, apiErr = g.svc.Users.GetProfile(g.user).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return Profile{}, g.wrap("get profile", err)
	}
	return Profile{EmailAddress: resp.EmailAddress, HistoryID: resp.HistoryId}, nil
}

// BreakerState reports the circuit breaker state for status output.
func (g *Gmail) BreakerState() string {
	return g.cb.State().String()
}

// execute runs fn under the circuit breaker. Client errors are returned
// without counting against the breaker.
func (g *Gmail) execute(operation string, fn func() error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		err := fn()
		if err == nil {
			return nil, nil
		}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
			return nil, &nonCircuitError{err: err}
		}
		if isAuthError(err) {
			return nil, &nonCircuitError{err: err}
		}
		return nil, err
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, operation, err)
	}
	if err != nil {
		slog.Debug("gmail call failed", "operation", operation, "breaker", g.cb.State().String(), "error", err)
	}
	return err
}

func (g *Gmail) wrap(action string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	if isAuthError(err) {
		return fmt.Errorf("%w: %s: %w", ErrUnauthorized, action, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}

type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func isAuthError(err error) bool {
	if isStatus(err, http.StatusUnauthorized) {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr)
}
