// Package draft produces candidate follow-up messages.
package draft

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailfollowup/internal/model"
)

var ErrEmptyDraft = errors.New("generator returned an empty draft")

// Context describes the followup a draft is written for.
type Context struct {
	Subject           string
	Recipients        []string
	DaysSinceOriginal int
	Reason            string
	Priority          model.Priority
	ContextSummary    string
}

// Result is an opaque generated draft. Confidence is in [0, 1].
type Result struct {
	Subject    string  `json:"subject"`
	Body       string  `json:"body"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Generator writes a follow-up draft or fails with a reason.
type Generator interface {
	Name() string
	Generate(ctx context.Context, c Context, prefs model.AIPreferences) (*Result, error)
}

type Config struct {
	// Provider is one of template, ollama, gemini or auto (ollama then gemini).
	Provider     string        `yaml:"provider"`
	OllamaURL    string        `yaml:"ollama_url"`
	OllamaModel  string        `yaml:"ollama_model"`
	GeminiAPIKey string        `yaml:"gemini_api_key"`
	GeminiModel  string        `yaml:"gemini_model"`
	GeminiURL    string        `yaml:"gemini_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// New builds the generator selected by cfg.Provider. Unknown or empty
// providers get the template generator.
func New(cfg Config) Generator {
	switch strings.ToLower(cfg.Provider) {
	case "ollama":
		return NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.Timeout)
	case "gemini":
		return NewGemini(cfg.GeminiURL, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.Timeout)
	case "auto":
		var gens []Generator
		gens = append(gens, NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.Timeout))
		if cfg.GeminiAPIKey != "" {
			gens = append(gens, NewGemini(cfg.GeminiURL, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.Timeout))
		}
		gens = append(gens, Template{})
		return NewFallback(gens...)
	}
	return Template{}
}

// normalize trims the result, clamps confidence and applies max length.
func normalize(r *Result, prefs model.AIPreferences) (*Result, error) {
	r.Subject = strings.TrimSpace(r.Subject)
	r.Body = strings.TrimSpace(r.Body)
	if r.Body == "" {
		return nil, ErrEmptyDraft
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	if prefs.MaxLength > 0 {
		r.Body = truncateRunes(r.Body, prefs.MaxLength)
	}
	return r, nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n]))
}

func buildPrompt(c Context, prefs model.AIPreferences) string {
	var b strings.Builder
	b.WriteString("You write short, polite follow-up emails for messages that received no reply.\n\n")
	fmt.Fprintf(&b, "ORIGINAL SUBJECT: %s\n", c.Subject)
	fmt.Fprintf(&b, "RECIPIENTS: %s\n", strings.Join(c.Recipients, ", "))
	fmt.Fprintf(&b, "DAYS SINCE ORIGINAL: %d\n", c.DaysSinceOriginal)
	if c.Priority != "" {
		fmt.Fprintf(&b, "PRIORITY: %s\n", c.Priority)
	}
	if c.Reason != "" {
		fmt.Fprintf(&b, "REASON FOR FOLLOW-UP: %s\n", c.Reason)
	}
	if c.ContextSummary != "" {
		fmt.Fprintf(&b, "CONTEXT: %s\n", c.ContextSummary)
	}

	b.WriteString("\nSTYLE:\n")
	fmt.Fprintf(&b, "- tone: %s\n", orDefault(prefs.Tone, "professional"))
	fmt.Fprintf(&b, "- approach: %s\n", orDefault(prefs.Approach, "gentle reminder"))
	fmt.Fprintf(&b, "- language: %s\n", orDefault(prefs.Language, "en"))
	if prefs.MaxLength > 0 {
		fmt.Fprintf(&b, "- at most %d characters\n", prefs.MaxLength)
	}
	if prefs.CustomInstructions != "" {
		fmt.Fprintf(&b, "- %s\n", prefs.CustomInstructions)
	}

	b.WriteString("\nReturn ONLY a JSON object with keys subject, body, confidence (0..1) and reasoning.\n")
	return b.String()
}

// parseJSONResult pulls the first {...} object out of model output.
func parseJSONResult(text string, out *Result) error {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object in model output")
	}
	return unmarshalResult([]byte(text[start:end+1]), out)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
