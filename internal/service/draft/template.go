package draft

import (
	"context"
	"fmt"
	"strings"

	"mailfollowup/internal/model"
)

// Template writes a fixed-form draft without any model. It never fails for
// a followup with recipients and is the last resort of the auto provider.
type Template struct{}

func (Template) Name() string { return "template" }

func (Template) Generate(_ context.Context, c Context, prefs model.AIPreferences) (*Result, error) {
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		subject = "our previous conversation"
	}

	greeting := "Hi"
	closing := "Thanks,"
	if strings.EqualFold(prefs.Tone, "formal") {
		greeting = "Dear recipient"
		closing = "Kind regards,"
	}

	var body strings.Builder
	fmt.Fprintf(&body, "%s,\n\n", greeting)
	fmt.Fprintf(&body, "I wanted to follow up on my message about %q", subject)
	if c.DaysSinceOriginal > 0 {
		fmt.Fprintf(&body, " from %d day%s ago", c.DaysSinceOriginal, plural(c.DaysSinceOriginal))
	}
	body.WriteString(".")
	if c.Reason != "" {
		fmt.Fprintf(&body, " %s.", strings.TrimSuffix(upperFirst(c.Reason), "."))
	}
	body.WriteString(" Could you let me know when you have a moment?\n\n")
	body.WriteString(closing)

	return normalize(&Result{
		Subject:    "Following up: " + subject,
		Body:       body.String(),
		Confidence: 0.5,
		Reasoning:  "fixed template",
	}, prefs)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}
