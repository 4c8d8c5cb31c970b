package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/runledger/internal/event"
)

// Spool is the local fallback for events the service cannot take right now.
type Spool interface {
	Append(v any) error
}

// Delivery is where an event ended up.
type Delivery string

const (
	Created   Delivery = "created"
	Duplicate Delivery = "duplicate"
	Buffered  Delivery = "buffered"
)

// Deliver posts e and falls back to spool when the service is unreachable,
// meaning the error wraps ErrUnavailable. Events the service rejects (any
// 4xx), events that fail local validation and non-transport failures are
// returned to the caller and never buffered. A missing event_id is
// generated before the first attempt so a buffered replay stays idempotent.
func (c *Client) Deliver(ctx context.Context, e *event.Event, spool Spool) (Delivery, error) {
	if e.EventID == "" {
		e.EventID = event.NewID()
	}
	e.Normalize(time.Now())
	if err := event.Validate(e); err != nil {
		return "", err
	}

	resp, err := c.PostEvent(ctx, e)
	if err == nil {
		if resp.Status == string(Duplicate) {
			return Duplicate, nil
		}
		return Created, nil
	}

	if !errors.Is(err, ErrUnavailable) || spool == nil {
		return "", err
	}

	if berr := spool.Append(e); berr != nil {
		return "", fmt.Errorf("buffering event %s: %w", e.EventID, errors.Join(berr, err))
	}
	c.logger.Info("event buffered", "event_id", e.EventID, "run_id", e.RunID, "error", err)
	return Buffered, nil
}
