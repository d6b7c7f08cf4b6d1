package dispatch

import (
	"slices"

	"github.com/nextlevelbuilder/qbot/internal/plugin"
)

// Factory instantiates one plugin. Factories close over whatever shared
// services the plugin needs; the dispatcher only calls them.
type Factory func() (plugin.Plugin, error)

// Catalog is the compiled-in set of available plugin factories keyed by name.
type Catalog map[string]Factory

// Names returns the catalog keys, sorted.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Spec is one manifest entry: which factory to instantiate and how to configure it.
type Spec struct {
	Factory  string        // catalog key
	Enabled  *bool         // nil keeps the plugin's own default
	Priority *int          // nil keeps the plugin's own default
	Settings plugin.Config // handed to OnLoad
}

// Manifest lists every factory in the catalog with default settings, in name order.
func (c Catalog) Manifest() []Spec {
	specs := make([]Spec, 0, len(c))
	for _, name := range c.Names() {
		specs = append(specs, Spec{Factory: name})
	}
	return specs
}
