package mq

import (
	"fmt"

	"github.com/pageflo/pflo/internal/agent"
)

// AgentMethods exposes a's public API to queued calls. Arguments arrive as
// decoded JSON, so numbers are float64 and objects map[string]any.
func AgentMethods(a *agent.Agent) Methods {
	return Methods{
		"addVar": func(args ...any) (any, error) {
			if len(args) == 0 {
				return nil, errArgs("addVar", 1)
			}
			if vars, ok := args[0].(map[string]any); ok {
				single, _ := arg[bool](args, 1)
				a.AddVars(vars, single)
				return nil, nil
			}
			name, ok := arg[string](args, 0)
			if !ok || len(args) < 2 {
				return nil, errArgs("addVar", 2)
			}
			single, _ := arg[bool](args, 2)
			a.AddVar(name, args[1], single)
			return nil, nil
		},
		"appendVar": func(args ...any) (any, error) {
			name, ok1 := arg[string](args, 0)
			value, ok2 := arg[string](args, 1)
			if !ok1 || !ok2 {
				return nil, errArgs("appendVar", 2)
			}
			a.AppendVar(name, value)
			return nil, nil
		},
		"removeVar": func(args ...any) (any, error) {
			names := make([]string, 0, len(args))
			for i := range args {
				if s, ok := arg[string](args, i); ok {
					names = append(names, s)
				}
			}
			a.RemoveVar(names...)
			return nil, nil
		},
		"hasVar": func(args ...any) (any, error) {
			name, ok := arg[string](args, 0)
			if !ok {
				return nil, errArgs("hasVar", 1)
			}
			return a.HasVar(name), nil
		},
		"setVarPriority": func(args ...any) (any, error) {
			name, ok1 := arg[string](args, 0)
			p, ok2 := arg[float64](args, 1)
			if !ok1 || !ok2 {
				return nil, errArgs("setVarPriority", 2)
			}
			a.SetVarPriority(name, int(p))
			return nil, nil
		},
		"sendBeacon": func(args ...any) (any, error) {
			u, _ := arg[string](args, 0)
			return a.SendBeacon(u), nil
		},
		"fireEvent": func(args ...any) (any, error) {
			name, ok := arg[string](args, 0)
			if !ok {
				return nil, errArgs("fireEvent", 1)
			}
			var data any
			if len(args) > 1 {
				data = args[1]
			}
			return a.FireEvent(name, data), nil
		},
		"responseEnd": func(args ...any) (any, error) {
			name, ok := arg[string](args, 0)
			if !ok {
				return nil, errArgs("responseEnd", 1)
			}
			var data any
			if len(args) > 1 {
				data = args[1]
			}
			a.ResponseEnd(agent.ResponseName{Name: name, Data: data})
			return nil, nil
		},
		"pageReady": func(...any) (any, error) {
			a.PageReady()
			return nil, nil
		},
	}
}

func arg[T any](args []any, i int) (T, bool) {
	var zero T
	if i >= len(args) {
		return zero, false
	}
	v, ok := args[i].(T)
	return v, ok
}

func errArgs(method string, n int) error {
	return fmt.Errorf("%s: want at least %d arguments", method, n)
}
