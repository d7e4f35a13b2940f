// Package generator talks to the external text-generation service used to
// continue a poem.
package generator

import (
	"context"
	"fmt"
	"strings"
)

// Generator continues seed text in the given form and tone. The returned
// text is the whole new poem: the seed followed by the continuation.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type Request struct {
	Seed string
	Form string
	Tone string
}

// Prompt is the chat prompt sent to a completion model.
type Prompt struct {
	System string
	User   string
}

const systemPrompt = "You are a poetry writing assistant. Continue the poem you are given. " +
	"Keep its voice, respect the requested form and tone, and reply with poem text only."

func BuildPrompt(req Request) Prompt {
	var sb strings.Builder
	if form := strings.TrimSpace(req.Form); form != "" {
		fmt.Fprintf(&sb, "Form: %s\n", form)
	}
	if tone := strings.TrimSpace(req.Tone); tone != "" {
		fmt.Fprintf(&sb, "Tone: %s\n", tone)
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(req.Seed)
	return Prompt{System: systemPrompt, User: sb.String()}
}

// Mock returns a canned continuation without calling any service.
type Mock struct{}

func (Mock) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n\nHere's an AI-generated continuation based on your %s with a %s tone...",
		req.Seed, req.Form, req.Tone), nil
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// appendContinuation joins a model continuation onto the seed it continues.
func appendContinuation(seed, continuation string) string {
	seed = strings.TrimRight(seed, " \t\r\n")
	if seed == "" {
		return continuation
	}
	return seed + "\n" + continuation
}
