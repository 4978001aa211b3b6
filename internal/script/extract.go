// Package script recovers data that a client-rendered page only materializes
// by running its own inline scripts.
package script

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	appLog "calfeed/internal/log"
)

// ErrGlobalMissing is returned when the target global is undefined or null
// after every inline script has been attempted.
var ErrGlobalMissing = errors.New("global not set by page scripts")

const (
	DefaultScriptBudget = 2 * time.Second
	excerptLen          = 80
)

// Fetcher loads a page body.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error)
}

// Result is the outcome of one extraction run.
type Result struct {
	// State is the JSON encoding of the target global.
	State json.RawMessage

	// Title and Description come from the page head, when present.
	Title       string
	Description string

	Executed int
	Failed   int
}

// Options configures an Extractor.
type Options struct {
	// Engine is EngineGoja (default) or EngineOtto.
	Engine string

	// Budget caps each script's run time. Non-positive disables the limit.
	Budget time.Duration
}

// Extractor runs page scripts in a fresh sandbox per call.
type Extractor struct {
	fetcher Fetcher
	header  http.Header
	opts    Options
}

// NewExtractor creates an Extractor. header is sent with every page request
// and may be nil.
func NewExtractor(f Fetcher, header http.Header, opts Options) *Extractor {
	return &Extractor{fetcher: f, header: header, opts: opts}
}

// Extract fetches pageURL, executes its inline scripts in document order and
// returns the value bound to global.
func (e *Extractor) Extract(ctx context.Context, pageURL, global string) (*Result, error) {
	body, err := e.fetcher.Get(ctx, pageURL, e.header)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(body)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, doc, global)
}

// Evaluate runs doc's scripts and reads global. A failing script is logged and
// skipped; only a missing or unserializable global fails the run.
func (e *Extractor) Evaluate(ctx context.Context, doc *Document, global string) (*Result, error) {
	sb, err := newSandbox(e.opts)
	if err != nil {
		return nil, err
	}

	res := &Result{Title: doc.Title, Description: doc.Description}
	var firstErr error
	var firstExcerpt string
	for i, src := range doc.Scripts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Executed++
		if err := sb.run(i, src); err != nil {
			res.Failed++
			if firstErr == nil {
				firstErr, firstExcerpt = err, excerpt(src)
			}
			appLog.Debug("inline script failed", "index", i, "err", err, "excerpt", excerpt(src))
		}
	}

	state, err := sb.export(global)
	if err != nil {
		if errors.Is(err, ErrGlobalMissing) {
			kv := []any{"global", global, "engine", e.engine(), "executed", res.Executed, "failed", res.Failed}
			if firstErr != nil {
				kv = append(kv, "first_err", firstErr.Error(), "excerpt", firstExcerpt)
			}
			appLog.Warn("page scripts did not set global", kv...)
		}
		return nil, err
	}
	res.State = state

	appLog.Debug("script state extracted", "global", global, "scripts", res.Executed, "failed", res.Failed, "bytes", len(state))
	return res, nil
}

func (e *Extractor) engine() string {
	if e.opts.Engine == "" {
		return EngineGoja
	}
	return e.opts.Engine
}

func excerpt(src string) string {
	r := []rune(src)
	if len(r) <= excerptLen {
		return string(r)
	}
	return string(r[:excerptLen]) + "..."
}
