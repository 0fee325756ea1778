// Package disabled registers the judge used when no judgment capability is
// configured. Every classification reports unavailable, which makes the
// dedup engine fail closed to add.
package disabled

import (
	"context"

	registryjudge "github.com/KrishnaShettyDev/cortex/internal/registry/judge"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registryjudge.Register(registryjudge.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (registryjudge.Judge, error) {
			return &disabledJudge{}, nil
		},
	})
}

type disabledJudge struct{}

func (disabledJudge) Classify(context.Context, string, string) (registryjudge.Verdict, string, error) {
	return "", "", registryjudge.ErrUnavailable
}

func (disabledJudge) Name() string { return "none" }

var _ registryjudge.Judge = (*disabledJudge)(nil)
