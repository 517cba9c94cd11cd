// Package plugin defines the contract between the beacon agent and its
// instrumentation plugins, and the registry that gates beacons on plugin
// readiness.
package plugin

import "github.com/pageflo/pflo/internal/beacon"

// Plugin is an instrumentation collaborator.
//
// Init is called each time configuration is applied, which may happen more
// than once per page. IsComplete is called on every beacon attempt and must
// be cheap: a beacon only leaves when every enabled plugin reports
// complete. A plugin waiting on something (a timer, a network response)
// returns false and calls the agent's SendBeacon again once it is done.
type Plugin interface {
	Init(cfg Config) error
	IsComplete(vars *beacon.Vars) bool
}

// ReadyToSender is implemented by plugins that must finish setup before
// deferred response beacons may be composed.
type ReadyToSender interface {
	ReadyToSend() bool
}

// Enabler is notified when configuration re-enables a disabled plugin.
type Enabler interface {
	Enable()
}

// Disabler is notified when configuration disables the plugin.
type Disabler interface {
	Disable()
}

// Section is a single plugin's configuration block.
type Section interface {
	// Enabled returns the block's enabled flag and whether it was set.
	Enabled() (enabled, set bool)
	// Decode unmarshals the block into v.
	Decode(v any) error
}

// Config is handed to every plugin's Init.
type Config interface {
	// Plugin returns the named block, or nil if there is none.
	Plugin(name string) Section
}

// Sections is an in-memory Config, mostly for tests and embedding.
type Sections map[string]Section

func (s Sections) Plugin(name string) Section {
	if s == nil {
		return nil
	}
	return s[name]
}

// Toggle is a Section that only carries an enabled flag.
type Toggle bool

func (t Toggle) Enabled() (bool, bool) { return bool(t), true }
func (Toggle) Decode(any) error        { return nil }

// Autorunner is implemented by configs that carry the agent-wide autorun
// flag.
type Autorunner interface {
	AutorunEnabled() bool
}
