package draft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"mailfollowup/internal/model"
)

// Fallback tries each generator in order and returns the first success.
type Fallback struct {
	generators []Generator
}

func NewFallback(generators ...Generator) *Fallback {
	return &Fallback{generators: generators}
}

func (f *Fallback) Name() string {
	names := make([]string, len(f.generators))
	for i, g := range f.generators {
		names[i] = g.Name()
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}

func (f *Fallback) Generate(ctx context.Context, c Context, prefs model.AIPreferences) (*Result, error) {
	if len(f.generators) == 0 {
		return nil, fmt.Errorf("no draft provider available")
	}

	var errs []error
	for _, g := range f.generators {
		r, err := g.Generate(ctx, c, prefs)
		if err == nil {
			return r, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s (%s): %w", g.Name(), failureKind(err), err))
	}
	return nil, errors.Join(errs...)
}

// failureKind labels an error for diagnostics only; every failure moves on
// to the next provider.
func failureKind(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "connection"
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"429", "quota", "rate limit", "too many requests", "resource_exhausted"} {
		if strings.Contains(msg, s) {
			return "quota"
		}
	}
	for _, s := range []string{"connection refused", "no such host", "network is unreachable", "connection reset", "timeout", "dial tcp", "eof"} {
		if strings.Contains(msg, s) {
			return "connection"
		}
	}
	return "error"
}
