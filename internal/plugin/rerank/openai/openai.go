// Package openai implements reranking with an OpenAI-compatible chat
// completions endpoint. The model returns the document numbers in relevance
// order.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/KrishnaShettyDev/cortex/internal/config"
	registryrerank "github.com/KrishnaShettyDev/cortex/internal/registry/rerank"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registryrerank.Register(registryrerank.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registryrerank.Reranker, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai reranker: CORTEX_OPENAI_API_KEY is required")
	}
	return &OpenAIReranker{
		apiKey:  cfg.OpenAIAPIKey,
		model:   cfg.OpenAIChatModel,
		baseURL: strings.TrimRight(cfg.OpenAIBaseURL, "/"),
	}, nil
}

type OpenAIReranker struct {
	apiKey  string
	model   string
	baseURL string
}

func (r *OpenAIReranker) Name() string { return "openai" }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r *OpenAIReranker) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Rank the documents below by relevance to the query.\nQuery: %s\n\n", query)
	for i, doc := range docs {
		fmt.Fprintf(&prompt, "[%d] %s\n", i, doc)
	}
	prompt.WriteString("\nAnswer with the document numbers in relevance order, comma separated, nothing else.")

	reqBody, err := json.Marshal(chatRequest{
		Model:       r.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt.String()}},
		Temperature: 0,
		MaxTokens:   100,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai rerank: read response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("openai rerank: parse response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai rerank error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("openai rerank: empty response")
	}

	return parseOrder(result.Choices[0].Message.Content, len(docs))
}

func parseOrder(content string, n int) ([]int, error) {
	var order []int
	seen := map[int]bool{}
	for _, part := range strings.FieldsFunc(content, func(r rune) bool {
		return r < '0' || r > '9'
	}) {
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("unparseable rerank order %q", content)
	}
	return order, nil
}

var _ registryrerank.Reranker = (*OpenAIReranker)(nil)
