package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"calfeed/internal/capture"
	"calfeed/internal/config"
	"calfeed/internal/normalize"
	"calfeed/internal/pager"
	"calfeed/internal/script"
)

// Getter loads an upstream document.
type Getter interface {
	Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error)
}

// Deps are the shared collaborators of every feed.
type Deps struct {
	Getter Getter
	// Now stamps rendered calendars. Defaults to time.Now.
	Now func() time.Time
}

// Registry holds the configured feeds in config order.
type Registry struct {
	feeds []*Feed
	byKey map[string]*Feed
	now   func() time.Time
}

// NewRegistry builds every feed in cfg. cfg is expected to be normalized and
// validated.
func NewRegistry(cfg *config.Config, deps Deps) (*Registry, error) {
	policy, err := normalize.ParsePolicy(cfg.InvalidEvents)
	if err != nil {
		return nil, err
	}
	r := &Registry{byKey: make(map[string]*Feed, len(cfg.Feeds)), now: deps.Now}
	if r.now == nil {
		r.now = time.Now
	}

	for _, fc := range cfg.Feeds {
		src, err := newSource(cfg, fc, policy, deps)
		if err != nil {
			return nil, fmt.Errorf("feed %q: %w", fc.Key, err)
		}
		tz := fc.Timezone
		if tz == "" {
			tz = cfg.Timezone
		}
		f := &Feed{
			Key:             fc.Key,
			Path:            fc.Path,
			Title:           fc.Title,
			Description:     fc.Description,
			Timezone:        tz,
			Source:          src,
			RefreshInterval: cfg.CacheTTL,
		}
		r.feeds = append(r.feeds, f)
		r.byKey[f.Key] = f
	}
	return r, nil
}

func newSource(cfg *config.Config, fc config.FeedConfig, policy normalize.Policy, deps Deps) (Source, error) {
	loc, err := fc.Location(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	opts := normalize.Options{Location: loc, Policy: policy}
	if opts.URL, err = NewTemplatePolicy(urlTemplate(fc)); err != nil {
		return nil, err
	}

	s := fc.Source
	header := http.Header{}
	if s.UserAgent != "" {
		header.Set("User-Agent", s.UserAgent)
	}

	switch s.Kind {
	case config.KindScript:
		var ex StateExtractor
		switch s.Engine {
		case config.EngineChromium:
			ex = capture.NewBrowser(capture.Options{UserAgent: s.UserAgent, Timeout: cfg.FetchTimeout})
		case config.EngineGoja, config.EngineOtto, "":
			ex = script.NewExtractor(deps.Getter, header, script.Options{Engine: s.Engine, Budget: s.ScriptTimeout})
		default:
			return nil, fmt.Errorf("unknown engine %q", s.Engine)
		}
		return &ScriptSource{URL: s.URL, Global: s.Global, Extractor: ex, Normalize: opts}, nil

	case config.KindPluto:
		first, err := pager.FirstURL(s.URL, s.Params)
		if err != nil {
			return nil, err
		}
		if s.SiteID != "" {
			header.Set(s.SiteHeader, s.SiteID)
		}
		return &PlutoSource{
			FirstURL:  first,
			Pager:     pager.New(deps.Getter, header, s.MaxPages),
			Normalize: opts,
		}, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", s.Kind)
}

// urlTemplate returns the feed's event URL template, or its kind's default
// when none is configured.
func urlTemplate(fc config.FeedConfig) string {
	if fc.URLTemplate != "" {
		return fc.URLTemplate
	}
	if fc.Source.Kind == config.KindPluto {
		return config.DefaultPlutoURLTemplate
	}
	return config.DefaultScriptURLTemplate
}

// Feeds returns the feeds in config order.
func (r *Registry) Feeds() []*Feed { return r.feeds }

// Keys returns every feed key in config order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.feeds))
	for i, f := range r.feeds {
		keys[i] = f.Key
	}
	return keys
}

func (r *Registry) Lookup(key string) (*Feed, bool) {
	f, ok := r.byKey[key]
	return f, ok
}

// Load builds the feed named key. It satisfies feedcache.Loader.
func (r *Registry) Load(ctx context.Context, key string) (string, error) {
	f, ok := r.byKey[key]
	if !ok {
		return "", fmt.Errorf("unknown feed %q", key)
	}
	return f.Build(ctx, r.now())
}
