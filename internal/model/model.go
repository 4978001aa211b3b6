package model

import "time"

// Event is the source-independent representation of one upstream listing.
// Values are built fresh on every feed build and never mutated afterwards.
type Event struct {
	// ID is stable across fetches of the same upstream item and becomes the
	// calendar entry UID.
	ID string

	Title       string
	Description string

	// StartsAt / EndsAt are absolute instants in UTC. StartsAt <= EndsAt.
	StartsAt time.Time
	EndsAt   time.Time

	// Location is empty when the source has no venue for the event.
	Location string

	// URL is computed by the feed's URL policy, never copied from upstream.
	URL string

	Tentative bool
}

// Duration returns the length of the event.
func (e Event) Duration() time.Duration {
	return e.EndsAt.Sub(e.StartsAt)
}

// URLInput is what a feed's URL policy sees when computing an event link.
type URLInput struct {
	ID    string
	Title string
	// Slug is the source's human-readable path segment, if it has one.
	Slug string
	// BaseURL is a source-provided prefix for event pages, if any.
	BaseURL string
}

// URLPolicy computes the public link of an event.
type URLPolicy func(URLInput) (string, error)
