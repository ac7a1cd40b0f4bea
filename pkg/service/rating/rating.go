package rating

import (
	"bytes"
	"context"
	_ "embed"
	"regexp"
	"strconv"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/interfaces"
	"github.com/m-mizutani/memstream/pkg/model"
	"github.com/m-mizutani/memstream/pkg/utils/logging"
	"github.com/m-mizutani/memstream/pkg/utils/retry"
)

//go:embed prompt/importance.md
var importancePromptRaw string

var importancePromptTmpl = template.Must(template.New("importance").Parse(importancePromptRaw))

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// Service rates the poignancy of a memory by asking a language model
type Service struct {
	completer interfaces.Completer
	policy    retry.Policy
}

var _ interfaces.Rater = (*Service)(nil)

type Option func(*Service)

// WithPolicy overrides the retry policy used for each rating
func WithPolicy(p retry.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

func New(completer interfaces.Completer, opts ...Option) *Service {
	s := &Service{
		completer: completer,
		policy:    retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prompt renders the importance prompt for description
func Prompt(description string) (string, error) {
	var buf bytes.Buffer
	if err := importancePromptTmpl.Execute(&buf, map[string]any{
		"Memory": description,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute importance prompt template")
	}
	return buf.String(), nil
}

// Rate returns the importance of description in [1, 10]. A reply that does
// not contain exactly one number in range is retried like a transport error.
func (s *Service) Rate(ctx context.Context, description string) (float64, error) {
	prompt, err := Prompt(description)
	if err != nil {
		return 0, model.Classify(model.ErrRating, err)
	}

	score, err := retry.Do(ctx, s.policy, "rating", func(ctx context.Context) (float64, error) {
		reply, err := s.completer.Complete(ctx, prompt)
		if err != nil {
			return 0, err
		}
		return ParseRating(reply)
	})
	if err != nil {
		return 0, model.Classify(model.ErrRating, goerr.Wrap(err, "failed to rate memory",
			goerr.V("description", description),
			goerr.V("attempts", s.policy.Attempts)))
	}

	logging.From(ctx).Debug("rated memory", "description", description, "importance", score)
	return score, nil
}

// ParseRating extracts the single numeric token of reply and checks that it
// is a valid importance.
func ParseRating(reply string) (float64, error) {
	tokens := numberPattern.FindAllString(reply, -1)
	if len(tokens) != 1 {
		return 0, goerr.New("expected exactly one number in rating reply",
			goerr.V("reply", reply),
			goerr.V("found", len(tokens)))
	}

	v, err := strconv.ParseFloat(tokens[0], 64)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to parse rating", goerr.V("token", tokens[0]))
	}
	if v < model.MinImportance || v > model.MaxImportance {
		return 0, goerr.New("rating out of range", goerr.V("rating", v))
	}
	return v, nil
}

// Fixed rates every memory with the same importance
type Fixed float64

func (f Fixed) Rate(ctx context.Context, description string) (float64, error) {
	v := float64(f)
	if v < model.MinImportance || v > model.MaxImportance {
		return 0, goerr.Wrap(model.ErrRating, "fixed rating out of range", goerr.V("rating", v))
	}
	return v, nil
}
