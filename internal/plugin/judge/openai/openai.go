// Package openai implements the dedup judgment step with an OpenAI-compatible
// chat completions endpoint. The model is asked for a one-word classification
// of the new content against one existing memory.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/KrishnaShettyDev/cortex/internal/config"
	registryjudge "github.com/KrishnaShettyDev/cortex/internal/registry/judge"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registryjudge.Register(registryjudge.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registryjudge.Judge, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai judge: CORTEX_OPENAI_API_KEY is required")
	}
	return &OpenAIJudge{
		apiKey:  cfg.OpenAIAPIKey,
		model:   cfg.OpenAIChatModel,
		baseURL: strings.TrimRight(cfg.OpenAIBaseURL, "/"),
	}, nil
}

type OpenAIJudge struct {
	apiKey  string
	model   string
	baseURL string
}

func (j *OpenAIJudge) Name() string { return "openai" }

const systemPrompt = `You compare a NEW statement against an EXISTING recorded statement.
Answer with exactly one word:
- SAME if the new statement repeats what is already recorded
- EXTENDS if it adds detail without contradicting the record
- CONTRADICTS if it makes an incompatible claim about the same subject
Then, on a second line, give a reason of at most 15 words.`

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

func (j *OpenAIJudge) Classify(ctx context.Context, newContent, existingContent string) (registryjudge.Verdict, string, error) {
	user := fmt.Sprintf("EXISTING: %s\nNEW: %s", existingContent, newContent)
	reqBody, err := json.Marshal(chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: 0,
		MaxTokens:   60,
	})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", registryjudge.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("%w: read response: %v", registryjudge.ErrUnavailable, err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", "", fmt.Errorf("%w: parse response: %v", registryjudge.ErrUnavailable, err)
	}
	if result.Error != nil {
		return "", "", fmt.Errorf("%w: %s", registryjudge.ErrUnavailable, result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", "", fmt.Errorf("%w: empty response", registryjudge.ErrUnavailable)
	}

	return parseVerdict(result.Choices[0].Message.Content)
}

func parseVerdict(content string) (registryjudge.Verdict, string, error) {
	lines := strings.SplitN(strings.TrimSpace(content), "\n", 2)
	word := strings.ToUpper(strings.TrimSpace(lines[0]))
	reason := ""
	if len(lines) > 1 {
		reason = strings.TrimSpace(lines[1])
	}
	switch {
	case strings.HasPrefix(word, "SAME"):
		return registryjudge.VerdictSame, reason, nil
	case strings.HasPrefix(word, "EXTENDS"):
		return registryjudge.VerdictExtends, reason, nil
	case strings.HasPrefix(word, "CONTRADICTS"):
		return registryjudge.VerdictContradicts, reason, nil
	}
	return "", "", fmt.Errorf("unparseable verdict %q", lines[0])
}

var _ registryjudge.Judge = (*OpenAIJudge)(nil)
