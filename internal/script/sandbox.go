package script

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Interpreter engines.
const (
	EngineGoja = "goja"
	EngineOtto = "otto"
)

// seedGlobals makes the common self-references resolve to the global object.
// Page scripts write through window.X before anything else defines window.
const seedGlobals = `var window = this, self = this, globalThis = this;`

var errHalt = errors.New("script halted")

// sandbox is a disposable interpreter for one extraction run. It is not safe
// for concurrent use.
type sandbox interface {
	// run executes one script. A script that exceeds the budget is halted
	// and reported as an error; the sandbox stays usable for the next one.
	run(idx int, src string) error

	// export returns the JSON encoding of a global, or ErrGlobalMissing
	// when it is not defined or null.
	export(global string) (json.RawMessage, error)
}

func newSandbox(o Options) (sandbox, error) {
	switch o.Engine {
	case EngineGoja, "":
		return newGojaSandbox(o.Budget)
	case EngineOtto:
		return newOttoSandbox(o.Budget)
	}
	return nil, errors.Errorf("unknown script engine %q", o.Engine)
}

func budgetError(budget time.Duration) error {
	return errors.Errorf("exceeded %s budget", budget)
}
