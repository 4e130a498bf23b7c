package emulator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/converge/pkg/core"
)

// OrderDependencyEnv switches order dependency on for every object a
// manifest declares while it is exported: each object then requires the
// one declared before it.
const OrderDependencyEnv = "CDIST_ORDER_DEPENDENCY"

// State files below __global that carry the order dependency chain from
// one emulator call to the next. The manifest runner removes them after
// every manifest, so a chain never spans two manifests.
const (
	OrderDepStateName = "order_dep_state"
	TypeOrderDepName  = "typeorder_dep"
)

// orderDependency links obj to the object declared before it while
// order dependency is on, and records obj as the new end of the chain.
func (e *Emulator) orderDependency(obj *core.Object) error {
	global := e.Env["__global"]
	state := filepath.Join(global, OrderDepStateName)
	chain := filepath.Join(global, TypeOrderDepName)

	if _, on := e.Env[OrderDependencyEnv]; !on {
		for _, path := range []string{state, chain} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	}

	if _, err := os.Stat(state); os.IsNotExist(err) {
		// objects declared before the switch are not part of the chain
		if err := os.Remove(chain); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.WriteFile(state, nil, 0644); err != nil {
			return err
		}
	}

	previous, err := lastLine(chain)
	if err != nil {
		return err
	}
	if previous == obj.Name() {
		return nil
	}
	if previous != "" {
		e.log().WithObject(obj.Name()).Tracef("Order dependency on %s", previous)
		if err := obj.AddRequirements(previous); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(chain, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(obj.Name() + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func lastLine(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	lines := strings.Fields(string(data))
	if len(lines) == 0 {
		return "", nil
	}
	return lines[len(lines)-1], nil
}
