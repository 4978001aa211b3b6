package script

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robertkrimen/otto"
)

// ottoSandbox runs page scripts in otto. otto only parses ES5: const, let,
// arrow functions and template literals are syntax errors.
type ottoSandbox struct {
	vm      *otto.Otto
	budget  time.Duration
	running atomic.Int64
}

func newOttoSandbox(budget time.Duration) (*ottoSandbox, error) {
	vm := otto.New()
	vm.Interrupt = make(chan func(), 8)
	if _, err := vm.Run(seedGlobals); err != nil {
		return nil, errors.Wrap(err, "seed global bindings")
	}
	s := &ottoSandbox{vm: vm, budget: budget}
	s.running.Store(-1)
	return s, nil
}

func (s *ottoSandbox) run(idx int, src string) (err error) {
	s.drainInterrupts()
	s.running.Store(int64(idx))
	defer s.running.Store(-1)

	if s.budget > 0 {
		timer := time.AfterFunc(s.budget, func() {
			halt := func() {
				// Interrupts left over from an earlier script are no-ops.
				if s.running.Load() == int64(idx) {
					panic(errHalt)
				}
			}
			select {
			case s.vm.Interrupt <- halt:
			default:
			}
		})
		defer timer.Stop()
	}

	defer func() {
		if caught := recover(); caught != nil {
			if caught == errHalt {
				err = budgetError(s.budget)
				return
			}
			err = errors.Errorf("interpreter panic: %v", caught)
		}
	}()

	_, err = s.vm.Run(src)
	return err
}

func (s *ottoSandbox) drainInterrupts() {
	for {
		select {
		case <-s.vm.Interrupt:
		default:
			return
		}
	}
}

func (s *ottoSandbox) export(global string) (json.RawMessage, error) {
	v, err := s.vm.Get(global)
	if err != nil {
		return nil, errors.Wrapf(err, "read global %s", global)
	}
	if v.IsUndefined() || v.IsNull() {
		return nil, errors.Wrapf(ErrGlobalMissing, "%s", global)
	}

	out, err := s.vm.Call("JSON.stringify", nil, v)
	if err != nil {
		return nil, errors.Wrapf(err, "serialize global %s", global)
	}
	if out.IsUndefined() {
		return nil, errors.Errorf("global %s is not JSON-serializable", global)
	}
	str, err := out.ToString()
	if err != nil {
		return nil, errors.Wrapf(err, "serialize global %s", global)
	}
	return json.RawMessage(str), nil
}
