package judge

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable is returned by Classify when the judgment capability is not
// configured or not reachable. Callers are expected to fail closed.
var ErrUnavailable = errors.New("judge unavailable")

// Verdict is the judgment-step classification of new content against one
// close existing memory.
type Verdict string

const (
	// VerdictSame means the new content restates what is already recorded.
	VerdictSame Verdict = "same"
	// VerdictExtends means the new content adds detail without contradicting.
	VerdictExtends Verdict = "extends"
	// VerdictContradicts means the new content makes an incompatible claim
	// about the same subject.
	VerdictContradicts Verdict = "contradicts"
)

// Judge disambiguates near-duplicate content. Implementations wrap an
// external classification capability (typically a language model call).
type Judge interface {
	// Classify compares new content against an existing memory's content and
	// returns a verdict plus a short reason suitable for the audit log.
	Classify(ctx context.Context, newContent, existingContent string) (Verdict, string, error)
	Name() string
}

// Loader creates a Judge from config.
type Loader func(ctx context.Context) (Judge, error)

// Plugin represents a judge plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a judge plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered judge plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named judge plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown judge %q; valid: %v", name, Names())
}
