package script

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
)

// gojaSandbox runs ES2015+ page scripts in a goja runtime.
type gojaSandbox struct {
	vm        *goja.Runtime
	budget    time.Duration
	stringify goja.Callable

	mu      sync.Mutex
	running int
}

func newGojaSandbox(budget time.Duration) (*gojaSandbox, error) {
	vm := goja.New()
	if _, err := vm.RunString(seedGlobals); err != nil {
		return nil, errors.Wrap(err, "seed global bindings")
	}
	// Captured before page scripts run so a page replacing JSON cannot break
	// the export.
	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify is not callable")
	}
	return &gojaSandbox{vm: vm, budget: budget, stringify: stringify, running: -1}, nil
}

func (s *gojaSandbox) setRunning(idx int) {
	s.mu.Lock()
	s.running = idx
	s.mu.Unlock()
}

func (s *gojaSandbox) run(idx int, src string) (err error) {
	s.vm.ClearInterrupt()
	s.setRunning(idx)
	defer func() {
		s.setRunning(-1)
		s.vm.ClearInterrupt()
	}()

	if s.budget > 0 {
		timer := time.AfterFunc(s.budget, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			// A timer left over from an earlier script is a no-op.
			if s.running == idx {
				s.vm.Interrupt(errHalt)
			}
		})
		defer timer.Stop()
	}

	defer func() {
		if caught := recover(); caught != nil {
			err = errors.Errorf("interpreter panic: %v", caught)
		}
	}()

	_, err = s.vm.RunScript(fmt.Sprintf("inline-%d.js", idx), src)
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return budgetError(s.budget)
	}
	return err
}

func (s *gojaSandbox) export(global string) (json.RawMessage, error) {
	// Get also resolves top-level const and let bindings.
	v := s.vm.Get(global)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, errors.Wrapf(ErrGlobalMissing, "%s", global)
	}

	out, err := s.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, errors.Wrapf(err, "serialize global %s", global)
	}
	if out == nil || goja.IsUndefined(out) {
		return nil, errors.Errorf("global %s is not JSON-serializable", global)
	}
	return json.RawMessage(out.String()), nil
}
