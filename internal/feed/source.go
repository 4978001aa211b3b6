package feed

import (
	"context"
	"fmt"

	"calfeed/internal/fetch"
	"calfeed/internal/normalize"
	"calfeed/internal/pager"
	"calfeed/internal/script"
)

// Batch is what one upstream pull produced.
type Batch struct {
	normalize.Batch

	// Title / Description are page-provided metadata, when the source has any.
	Title       string
	Description string

	ScriptFailures int
}

// Source pulls and normalizes the current events of one upstream.
type Source interface {
	Fetch(ctx context.Context) (*Batch, error)
}

// StateExtractor recovers a page global. Both the embedded script sandbox and the
// Chromium capture satisfy it.
type StateExtractor interface {
	Extract(ctx context.Context, pageURL, global string) (*script.Result, error)
}

// ScriptSource reads events from a global assigned by a page's scripts.
type ScriptSource struct {
	URL       string
	Global    string
	Extractor StateExtractor
	Normalize normalize.Options
}

func (s *ScriptSource) Fetch(ctx context.Context) (*Batch, error) {
	res, err := s.Extractor.Extract(ctx, s.URL, s.Global)
	if err != nil {
		return nil, fmt.Errorf("extract %s from %s: %w", s.Global, fetch.RedactURL(s.URL), err)
	}

	var state normalize.KentState
	if err := fetch.DecodeJSON(res.State, &state); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Global, err)
	}
	if state.Events == nil {
		return nil, fmt.Errorf("%w: %s has no events list", fetch.ErrDecode, s.Global)
	}

	nb, err := normalize.KentEvents(state, s.Normalize)
	if err != nil {
		return nil, err
	}
	return &Batch{
		Batch:          *nb,
		Title:          res.Title,
		Description:    res.Description,
		ScriptFailures: res.Failed,
	}, nil
}

// PlutoSource walks the Pluto events API.
type PlutoSource struct {
	FirstURL  string
	Pager     *pager.Client
	Normalize normalize.Options
}

func (s *PlutoSource) Fetch(ctx context.Context) (*Batch, error) {
	recs, err := pager.Collect[normalize.PlutoEvent](ctx, s.Pager, s.FirstURL)
	if err != nil {
		return nil, err
	}
	nb, err := normalize.PlutoEvents(recs, s.Normalize)
	if err != nil {
		return nil, err
	}
	return &Batch{Batch: *nb}, nil
}
