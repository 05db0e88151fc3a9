package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mailfollowup/internal/model"
)

const defaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini generates drafts with the Gemini generateContent API.
type Gemini struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewGemini(baseURL, apiKey, model string, timeout time.Duration) *Gemini {
	if baseURL == "" {
		baseURL = defaultGeminiURL
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  newHTTPClient(timeout),
	}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Generate(ctx context.Context, c Context, prefs model.AIPreferences) (*Result, error) {
	if g.apiKey == "" {
		return nil, fmt.Errorf("gemini API key is not configured")
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, url.QueryEscape(g.apiKey))

	payload := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"parts": []map[string]string{{"text": buildPrompt(c, prefs)}}},
		},
		"generationConfig": map[string]interface{}{
			"responseMimeType": "application/json",
			"temperature":      0.4,
		},
	}

	respBody, err := postJSON(ctx, g.client, endpoint, payload, "gemini")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	var r Result
	if err := parseJSONResult(resp.Candidates[0].Content.Parts[0].Text, &r); err != nil {
		return nil, err
	}
	return normalize(&r, prefs)
}
