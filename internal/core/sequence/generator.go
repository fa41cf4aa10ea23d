package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sequencer/internal/core/job"
	"sequencer/internal/logger"
	"sequencer/prompts"
)

// DefaultDisplayName labels a prospect whose profile has no first name.
const DefaultDisplayName = "VP"

// TextGenerator turns a prompt into free-form text.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Generator produces one outreach sequence per profile.
type Generator struct {
	llm     TextGenerator
	timeout time.Duration
	log     *logger.Logger
}

func NewGenerator(llm TextGenerator, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Generator{llm: llm, timeout: timeout, log: logger.New("Generator")}
}

// Generate never fails: collaborator errors, empty output and step count
// mismatches are turned into placeholder emails plus warnings, and the result
// always carries exactly params.SequenceLength emails.
func (g *Generator) Generate(ctx context.Context, params job.RequestParams, identifier string, profile job.Profile) (job.SequenceResult, []string) {
	name := displayName(profile)
	result := job.SequenceResult{ProfileIdentifier: identifier, DisplayName: name}
	n := params.SequenceLength

	text, err := g.complete(ctx, prompts.CompileOutreach(params, profile))
	if err != nil {
		detail := errorDetail(err)
		g.log.LogErrorf("generation failed for %s (%s): %s", name, identifier, detail)
		result.Emails = fill(n, job.Email{Subject: "API Error", Body: "Failed: " + detail})
		return result, []string{fmt.Sprintf("Generation failed for %s: %s", name, detail)}
	}
	if strings.TrimSpace(text) == "" {
		g.log.LogWarnf("empty generation for %s (%s)", name, identifier)
		result.Emails = fill(n, job.Email{Subject: "Generation Error", Body: "Failed to generate content (empty response)."})
		return result, []string{fmt.Sprintf("Empty generation for %s.", name)}
	}

	emails, warning := normalize(Parse(text, n+1), n, name)
	result.Emails = emails
	if warning != "" {
		g.log.LogWarnf("%s (%s)", warning, identifier)
		return result, []string{warning}
	}
	return result, nil
}

// GenerateStrict is Generate for synchronous callers: a collaborator error is
// returned instead of being turned into placeholders.
func (g *Generator) GenerateStrict(ctx context.Context, params job.RequestParams, profile job.Profile) ([]job.Email, error) {
	text, err := g.complete(ctx, prompts.CompileOutreach(params, profile))
	if err != nil {
		return nil, err
	}
	emails, warning := normalize(Parse(text, params.SequenceLength+1), params.SequenceLength, displayName(profile))
	if warning != "" {
		g.log.LogWarnf("%s (%s)", warning, profile.Identifier())
	}
	return emails, nil
}

func (g *Generator) complete(ctx context.Context, prompt string) (text string, err error) {
	if g.llm == nil {
		return "", errors.New("text generator not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("text generator panicked: %v", r)
		}
	}()

	text, err = g.llm.Complete(ctx, prompt)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("timed out after %s: %w", g.timeout, err)
	}
	return text, err
}

// normalize pads or truncates parsed emails to exactly n entries and
// describes any adjustment in a warning.
func normalize(parsed []job.Email, n int, name string) ([]job.Email, string) {
	if n < 0 {
		n = 0
	}
	switch {
	case len(parsed) < n:
		warning := fmt.Sprintf("Parse mismatch for %s (%d/%d).", name, len(parsed), n)
		out := make([]job.Email, n)
		copy(out, parsed)
		for i := len(parsed); i < n; i++ {
			out[i] = job.Email{Subject: "Parse Error", Body: fmt.Sprintf("Parse failed for step %d.", i+1)}
		}
		return out, warning
	case len(parsed) > n:
		return parsed[:n:n], fmt.Sprintf("Parsed more than %d emails for %s; truncated.", n, name)
	default:
		return parsed, ""
	}
}

func fill(n int, e job.Email) []job.Email {
	if n < 0 {
		n = 0
	}
	out := make([]job.Email, n)
	for i := range out {
		out[i] = e
	}
	return out
}

func displayName(p job.Profile) string {
	if name := strings.TrimSpace(p.FirstName); name != "" {
		return name
	}
	return DefaultDisplayName
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
