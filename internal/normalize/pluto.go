package normalize

import (
	"strconv"
	"strings"
	"time"

	"calfeed/internal/model"
)

// PlutoEvent is one record of the Pluto (SUMS) events API.
type PlutoEvent struct {
	ID      int64  `json:"id"`
	EventID int64  `json:"event_id"`
	Title   string `json:"title"`

	EventDateTitle *string `json:"event_date_title"`
	URLName        *string `json:"url_name"`

	// StartDate / EndDate are RFC 3339 with an offset.
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`

	ShortDescription *string `json:"short_description"`
	// Description is null for some events; that decodes as "".
	Description string `json:"description"`

	ExternalTickets *string `json:"external_tickets"`
	ThumbnailURL    *string `json:"thumbnail_url"`
	ImageURL        *string `json:"image_url"`

	Group *PlutoGroup `json:"group"`
	Venue *PlutoVenue `json:"venue"`

	Type       PlutoType       `json:"type"`
	Categories []PlutoCategory `json:"categories"`

	HasProducts int64 `json:"has_products"`
	Unlisted    int64 `json:"unlisted"`
}

type PlutoVenue struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Address1 string `json:"address1"`
	Address2 string `json:"address2"`
	Postcode string `json:"postcode"`
	Country  string `json:"country"`
}

type PlutoGroup struct {
	ID   int64   `json:"id"`
	Name *string `json:"name"`
}

type PlutoType struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type PlutoCategory struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Order int64  `json:"order"`
}

// Pluto maps one API record. Pluto has no tentative flag, so events are never
// tentative.
func Pluto(rec PlutoEvent, opts Options) (model.Event, error) {
	id := ""
	if rec.ID != 0 {
		id = strconv.FormatInt(rec.ID, 10)
	}

	start, err := time.Parse(time.RFC3339, strings.TrimSpace(rec.StartDate))
	if err != nil {
		return model.Event{}, &InvalidEventError{ID: id, Field: "start_date", Err: err}
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(rec.EndDate))
	if err != nil {
		return model.Event{}, &InvalidEventError{ID: id, Field: "end_date", Err: err}
	}

	description := rec.Description
	if strings.TrimSpace(description) == "" {
		description = optional(rec.ShortDescription)
	}

	location := ""
	if rec.Venue != nil {
		location = strings.TrimSpace(rec.Venue.Name)
	}

	ev := model.Event{
		ID:          id,
		Title:       strings.TrimSpace(rec.Title),
		Description: description,
		StartsAt:    start.UTC(),
		EndsAt:      end.UTC(),
		Location:    location,
	}
	return finish(ev, model.URLInput{Slug: optional(rec.URLName)}, opts.URL)
}

// PlutoEvents maps API records in the order they were fetched.
func PlutoEvents(recs []PlutoEvent, opts Options) (*Batch, error) {
	return mapAll(recs, opts.Policy, func(rec PlutoEvent) (model.Event, error) {
		return Pluto(rec, opts)
	})
}
