// Package normalize maps upstream event records onto model.Event.
//
// Each source has one pure mapping function. Mapping never copies an upstream
// event URL; links always come from the feed's URL policy.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"calfeed/internal/model"
)

// Policy decides what happens to a record that cannot be normalized.
type Policy string

const (
	// PolicySkip drops the bad record and keeps building the feed.
	PolicySkip Policy = "skip"
	// PolicyFail aborts the whole feed build.
	PolicyFail Policy = "fail"
)

// ParsePolicy maps a config value onto a Policy. Empty means PolicySkip.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyFail:
		return PolicyFail, nil
	default:
		return "", fmt.Errorf("unknown invalid-event policy %q", s)
	}
}

// Options carries the per-feed settings mapping needs.
type Options struct {
	// Location interprets timezone-naive source timestamps.
	Location *time.Location
	URL      model.URLPolicy
	Policy   Policy
}

var errEndBeforeStart = errors.New("end is before start")

// InvalidEventError describes one record that could not be normalized.
type InvalidEventError struct {
	ID    string
	Field string
	Err   error
}

func (e *InvalidEventError) Error() string {
	id := e.ID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("event %s: invalid %s: %v", id, e.Field, e.Err)
}

func (e *InvalidEventError) Unwrap() error { return e.Err }

// Batch is the result of normalizing one upstream pull.
type Batch struct {
	Events []model.Event
	// Skipped lists the records dropped under PolicySkip.
	Skipped []*InvalidEventError
}

// mapAll applies one to each record in order. Under PolicyFail the first
// invalid record aborts; under PolicySkip it is recorded and dropped.
func mapAll[R any](recs []R, policy Policy, one func(R) (model.Event, error)) (*Batch, error) {
	b := &Batch{Events: make([]model.Event, 0, len(recs))}
	for _, rec := range recs {
		ev, err := one(rec)
		if err != nil {
			var invalid *InvalidEventError
			if !errors.As(err, &invalid) || policy == PolicyFail {
				return nil, err
			}
			b.Skipped = append(b.Skipped, invalid)
			continue
		}
		b.Events = append(b.Events, ev)
	}
	return b, nil
}

// finish validates the time range and computes the URL.
func finish(ev model.Event, in model.URLInput, policy model.URLPolicy) (model.Event, error) {
	if ev.ID == "" {
		return model.Event{}, &InvalidEventError{Field: "id", Err: errors.New("empty")}
	}
	if ev.EndsAt.Before(ev.StartsAt) {
		return model.Event{}, &InvalidEventError{ID: ev.ID, Field: "end", Err: errEndBeforeStart}
	}
	if policy != nil {
		in.ID = ev.ID
		in.Title = ev.Title
		u, err := policy(in)
		if err != nil {
			return model.Event{}, &InvalidEventError{ID: ev.ID, Field: "url", Err: err}
		}
		ev.URL = u
	}
	return ev, nil
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
