// Package disabled registers the reranker used when reranking is not
// configured. It keeps results in their original order.
package disabled

import (
	"context"

	registryrerank "github.com/KrishnaShettyDev/cortex/internal/registry/rerank"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registryrerank.Register(registryrerank.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (registryrerank.Reranker, error) {
			return &identityReranker{}, nil
		},
	})
}

type identityReranker struct{}

func (identityReranker) Rerank(_ context.Context, _ string, docs []string) ([]int, error) {
	order := make([]int, len(docs))
	for i := range docs {
		order[i] = i
	}
	return order, nil
}

func (identityReranker) Name() string { return "none" }

var _ registryrerank.Reranker = (*identityReranker)(nil)
