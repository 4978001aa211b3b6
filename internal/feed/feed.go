// Package feed ties a source, normalization and calendar rendering together
// into the payload served for one feed key.
package feed

import (
	"context"
	"errors"
	"time"

	"calfeed/internal/fetch"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
	"calfeed/internal/pager"
	"calfeed/internal/script"
)

// Feed is one published calendar.
type Feed struct {
	Key  string
	Path string

	// Title / Description are used as-is when set; otherwise the page
	// metadata reported by the source is used.
	Title       string
	Description string
	Timezone    string

	Source Source

	// RefreshInterval is advertised to calendar clients.
	RefreshInterval time.Duration
}

// Build pulls the upstream and renders the whole calendar. now is stamped on
// every entry. On error no partial calendar is returned.
func (f *Feed) Build(ctx context.Context, now time.Time) (string, error) {
	batch, err := f.Source.Fetch(ctx)
	if err != nil {
		kind := errKind(err)
		metrics.UpstreamError(f.Key, kind)
		appLog.Error("feed build failed", err, "feed", f.Key, "kind", kind)
		return "", err
	}

	metrics.ScriptFailures(f.Key, batch.ScriptFailures)
	metrics.SkippedEvents(f.Key, len(batch.Skipped))
	for _, s := range batch.Skipped {
		appLog.Warn("event skipped", "feed", f.Key, "id", s.ID, "field", s.Field, "err", s.Err)
	}

	meta := ics.Meta{
		Title:           f.Title,
		Description:     f.Description,
		Timezone:        f.Timezone,
		RefreshInterval: f.RefreshInterval,
	}
	if meta.Title == "" {
		meta.Title = batch.Title
	}
	if meta.Description == "" {
		meta.Description = batch.Description
	}

	payload := ics.Render(meta, batch.Events, now)
	appLog.Info("feed built", "feed", f.Key, "events", len(batch.Events), "skipped", len(batch.Skipped), "script_failures", batch.ScriptFailures)
	return payload, nil
}

func errKind(err error) string {
	switch {
	case errors.Is(err, script.ErrGlobalMissing):
		return "script"
	case errors.Is(err, pager.ErrPageLimit):
		return "page_limit"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return fetch.Kind(err)
}
