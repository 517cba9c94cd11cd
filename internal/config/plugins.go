package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/pageflo/pflo/internal/plugin"
)

// PluginSection is one plugin's block under agent.plugins. The enabled key
// is read eagerly; everything else is kept for the plugin to decode.
type PluginSection struct {
	enabled *bool
	node    yaml.Node
}

func (p *PluginSection) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("plugin section: expected mapping, got %v", value.Tag)
	}
	var head struct {
		Enabled *bool `yaml:"enabled"`
	}
	if err := value.Decode(&head); err != nil {
		return fmt.Errorf("plugin section: %w", err)
	}
	p.enabled = head.Enabled
	p.node = *value
	return nil
}

func (p *PluginSection) Enabled() (enabled, set bool) {
	if p == nil || p.enabled == nil {
		return false, false
	}
	return *p.enabled, true
}

func (p *PluginSection) Decode(v any) error {
	if p == nil || p.node.Kind == 0 {
		return nil
	}
	return p.node.Decode(v)
}

// SetEnabled overrides the enabled flag.
func (p *PluginSection) SetEnabled(enabled bool) {
	p.enabled = &enabled
}

// Plugin implements plugin.Config.
func (a *AgentConfig) Plugin(name string) plugin.Section {
	if a == nil {
		return nil
	}
	sec, ok := a.Plugins[name]
	if !ok || sec == nil {
		return nil
	}
	return sec
}

// AutorunEnabled implements plugin.Autorunner.
func (a *AgentConfig) AutorunEnabled() bool { return a != nil && a.Autorun }
