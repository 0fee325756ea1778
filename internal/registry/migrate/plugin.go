// Package migrate collects schema migrators from plugin packages and runs
// them in a fixed order at startup.
package migrate

import (
	"context"
	"fmt"
	"sort"
)

// Migrator prepares the schema one backend needs. Implementations decide for
// themselves whether the active configuration applies to them and no-op
// otherwise.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin pairs a migrator with its position in the startup sequence. Lower
// orders run first; the store schema precedes the queue and vector schemas.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// RunAll runs every registered migrator in order, stopping at the first
// failure.
func RunAll(ctx context.Context) error {
	ordered := make([]Plugin, len(plugins))
	copy(ordered, plugins)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	for _, p := range ordered {
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
	}
	return nil
}
