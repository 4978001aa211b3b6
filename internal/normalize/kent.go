package normalize

import (
	"strconv"
	"strings"
	"time"

	"calfeed/internal/model"
)

// kentLayout is the wall-clock format of Kent start/end values. They carry no
// offset and are local to the feed timezone.
const kentLayout = "2006-01-02 15:04:05"

// KentState is the object a Kent events page assigns to its KENT global.
// Only the fields the feed uses are declared.
type KentState struct {
	AssetsBaseURL   string      `json:"assets_base_url"`
	EventsBaseURL   string      `json:"events_base_url"`
	EventCount      int64       `json:"event_count"`
	EventCategories []string    `json:"event_categories"`
	Events          []KentEvent `json:"events"`
}

type KentEvent struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle"`
	Intro       string `json:"intro"`
	Description string `json:"description"`

	Start   string `json:"start"`
	End     string `json:"end"`
	AllDay  bool   `json:"all_day"`
	Online  bool   `json:"online_event"`
	Campus  string `json:"campus_name"`
	OpenTo  string `json:"open_to"`
	Pricing string `json:"pricing"`

	Location string `json:"location"`
	MapURL   string `json:"map_url"`

	Slug string `json:"slug"`
	// URL is the page's own link. It is kept for completeness only.
	URL string `json:"url"`

	Tentative bool `json:"tentative"`

	Categories []KentCategory `json:"categories"`
}

type KentCategory struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Kent maps one Kent record. baseURL is the page state's events_base_url.
func Kent(rec KentEvent, baseURL string, opts Options) (model.Event, error) {
	id := ""
	if rec.ID != 0 {
		id = strconv.FormatInt(rec.ID, 10)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(kentLayout, strings.TrimSpace(rec.Start), loc)
	if err != nil {
		return model.Event{}, &InvalidEventError{ID: id, Field: "start", Err: err}
	}
	end, err := time.ParseInLocation(kentLayout, strings.TrimSpace(rec.End), loc)
	if err != nil {
		return model.Event{}, &InvalidEventError{ID: id, Field: "end", Err: err}
	}

	ev := model.Event{
		ID:          id,
		Title:       strings.TrimSpace(rec.Title),
		Description: rec.Description,
		StartsAt:    start.UTC(),
		EndsAt:      end.UTC(),
		Location:    strings.TrimSpace(rec.Location),
		Tentative:   rec.Tentative,
	}
	return finish(ev, model.URLInput{Slug: rec.Slug, BaseURL: strings.TrimRight(baseURL, "/")}, opts.URL)
}

// KentEvents maps every event in state, in page order.
func KentEvents(state KentState, opts Options) (*Batch, error) {
	return mapAll(state.Events, opts.Policy, func(rec KentEvent) (model.Event, error) {
		return Kent(rec, state.EventsBaseURL, opts)
	})
}
