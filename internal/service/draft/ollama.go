package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mailfollowup/internal/model"
)

// Ollama generates drafts with a local Ollama server.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllama(baseURL, model string, timeout time.Duration) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3"
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  newHTTPClient(timeout),
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Generate(ctx context.Context, c Context, prefs model.AIPreferences) (*Result, error) {
	payload := map[string]interface{}{
		"model":  o.model,
		"prompt": buildPrompt(c, prefs),
		"stream": false,
		"format": "json",
		"options": map[string]interface{}{
			"temperature": 0.4,
			"num_predict": 400,
		},
	}

	respBody, err := postJSON(ctx, o.client, o.baseURL+"/api/generate", payload, "ollama")
	if err != nil {
		return nil, err
	}

	var result struct {
		Response string `json:"response"`
		Done     bool   `json:"done"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var r Result
	if err := parseJSONResult(result.Response, &r); err != nil {
		return nil, err
	}
	return normalize(&r, prefs)
}
