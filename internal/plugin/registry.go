package plugin

import (
	"fmt"

	"github.com/pageflo/pflo/internal/beacon"
)

// Reporter receives plugin failures.
type Reporter func(err error, src string)

type entry struct {
	name     string
	plugin   Plugin
	ready    ReadyToSender
	enabler  Enabler
	disabler Disabler
	disabled bool
}

// Registry holds plugins in registration order. Optional capabilities are
// resolved once, at Register.
type Registry struct {
	entries []*entry
	byName  map[string]*entry
	report  Reporter
}

func NewRegistry(report Reporter) *Registry {
	if report == nil {
		report = func(error, string) {}
	}
	return &Registry{
		byName: make(map[string]*entry),
		report: report,
	}
}

// Register adds p under name. Registering an existing name replaces the
// plugin but keeps its position and disabled state.
func (r *Registry) Register(name string, p Plugin) {
	e := &entry{name: name, plugin: p}
	e.ready, _ = p.(ReadyToSender)
	e.enabler, _ = p.(Enabler)
	e.disabler, _ = p.(Disabler)

	if old, ok := r.byName[name]; ok {
		e.disabled = old.disabled
		for i, x := range r.entries {
			if x == old {
				r.entries[i] = e
			}
		}
	} else {
		r.entries = append(r.entries, e)
	}
	r.byName[name] = e
}

// Init applies cfg to every plugin in registration order. A block with
// enabled: false disables the plugin; a disabled plugin stays disabled
// until a block says enabled: true. Failures are reported per plugin.
func (r *Registry) Init(cfg Config) {
	for _, e := range r.entries {
		var sec Section
		if cfg != nil {
			sec = cfg.Plugin(e.name)
		}
		enabled, set := false, false
		if sec != nil {
			enabled, set = sec.Enabled()
		}

		if set && !enabled {
			e.disabled = true
			if e.disabler != nil {
				r.guard(e.name+".disable", e.disabler.Disable)
			}
			continue
		}

		if e.disabled {
			if !set || !enabled {
				continue
			}
			if e.enabler != nil {
				r.guard(e.name+".enable", e.enabler.Enable)
			}
			e.disabled = false
		}

		r.guard(e.name+".init", func() {
			if err := e.plugin.Init(cfg); err != nil {
				r.report(err, e.name+".init")
			}
		})
	}
}

// ReadyToSend is false if any enabled plugin that can say so is not ready.
func (r *Registry) ReadyToSend() bool {
	for _, e := range r.entries {
		if e.disabled || e.ready == nil {
			continue
		}
		ready := false
		r.guard(e.name+".readyToSend", func() { ready = e.ready.ReadyToSend() })
		if !ready {
			return false
		}
	}
	return true
}

// Complete reports whether every enabled plugin is complete for vars. It
// is evaluated afresh on every call.
func (r *Registry) Complete(vars *beacon.Vars) bool {
	for _, e := range r.entries {
		if e.disabled {
			continue
		}
		done := false
		r.guard(e.name+".is_complete", func() { done = e.plugin.IsComplete(vars) })
		if !done {
			return false
		}
	}
	return true
}

// Enabled reports whether name is registered and not disabled.
func (r *Registry) Enabled(name string) bool {
	e, ok := r.byName[name]
	return ok && !e.disabled
}

func (r *Registry) Get(name string) (Plugin, bool) {
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Names returns plugin names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.name
	}
	return out
}

func (r *Registry) guard(src string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.report(fmt.Errorf("panic: %v", v), src)
		}
	}()
	fn()
}
