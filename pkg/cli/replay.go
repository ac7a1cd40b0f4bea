package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/interfaces"
	"github.com/m-mizutani/memstream/pkg/model"
	"github.com/m-mizutani/memstream/pkg/repository"
	"github.com/m-mizutani/memstream/pkg/usecase/memory"
	"github.com/m-mizutani/memstream/pkg/utils/clock"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// scenario is a timed script of observations and recalls
type scenario struct {
	Start time.Time      `yaml:"start"`
	Steps []scenarioStep `yaml:"steps"`
}

// scenarioStep advances the clock and then either observes or recalls
type scenarioStep struct {
	Advance    time.Duration `yaml:"advance"`
	Observe    string        `yaml:"observe"`
	Importance float64       `yaml:"importance"`
	Recall     string        `yaml:"recall"`
	K          int           `yaml:"k"`
	Inspect    bool          `yaml:"inspect"`
}

func (s *scenario) validate() error {
	for i, step := range s.Steps {
		if step.Advance < 0 {
			return goerr.New("advance must not be negative", goerr.V("step", i+1))
		}
		if (step.Observe == "") == (step.Recall == "") {
			return goerr.New("step needs exactly one of observe or recall", goerr.V("step", i+1))
		}
		if step.Observe != "" && step.Importance != 0 &&
			(step.Importance < model.MinImportance || step.Importance > model.MaxImportance) {
			return goerr.New("importance out of range", goerr.V("step", i+1), goerr.V("importance", step.Importance))
		}
		if step.K < 0 {
			return goerr.New("k must not be negative", goerr.V("step", i+1))
		}
	}
	return nil
}

// loadScenario reads and validates a scenario file
func loadScenario(filePath string) (*scenario, error) {
	if filePath == "" {
		return nil, goerr.New("scenario file is required")
	}

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, goerr.Wrap(err, "scenario file does not exist", goerr.V("file", filePath))
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read scenario file", goerr.V("file", filePath))
	}

	var s scenario
	if err := yaml.Unmarshal(content, &s); err != nil {
		return nil, goerr.Wrap(err, "failed to parse scenario file", goerr.V("file", filePath))
	}
	if err := s.validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid scenario", goerr.V("file", filePath))
	}

	return &s, nil
}

// scriptedRater answers the next rating with the importance of the current
// scenario step, and falls back to the configured rater when the step has none
type scriptedRater struct {
	mu       sync.Mutex
	next     float64
	fallback interfaces.Rater
}

func newScriptedRater(fallback interfaces.Rater) *scriptedRater {
	return &scriptedRater{fallback: fallback}
}

// script sets the importance returned by the next Rate call. Zero means unscripted.
func (r *scriptedRater) script(importance float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = importance
}

func (r *scriptedRater) Rate(ctx context.Context, text string) (float64, error) {
	r.mu.Lock()
	v := r.next
	r.next = 0
	r.mu.Unlock()

	if v != 0 {
		return v, nil
	}
	return r.fallback.Rate(ctx, text)
}

func replayCommand() *cli.Command {
	var (
		cfg          config
		scenarioPath string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "scenario",
			Aliases:     []string{"s"},
			Usage:       "Path to the YAML scenario file",
			Sources:     cli.EnvVars("MEMSTREAM_SCENARIO"),
			Destination: &scenarioPath,
			Required:    true,
		},
	}
	flags = append(flags, allFlags(&cfg)...)

	return &cli.Command{
		Name:  "replay",
		Usage: "Replay a scripted sequence of observations and recalls on a simulated clock",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			s, err := loadScenario(scenarioPath)
			if err != nil {
				return err
			}

			mc, err := cfg.newMemoryConfig(c)
			if err != nil {
				return err
			}
			rater, err := cfg.newRater(ctx)
			if err != nil {
				return err
			}
			embedder, cleanup, err := cfg.newEmbedder(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			return replay(ctx, c.Root().Writer, s, mc, embedder, rater)
		},
	}
}

func replay(ctx context.Context, w io.Writer, s *scenario, mc memory.Config, embedder interfaces.Embedder, rater interfaces.Rater) error {
	start := s.Start
	if start.IsZero() {
		start = time.Now().Truncate(time.Hour)
	}
	clk := clock.NewManual(start)
	scripted := newScriptedRater(rater)

	uc, err := memory.New(repository.NewMemoryStore(), embedder, scripted, memory.WithClock(clk), memory.WithConfig(mc))
	if err != nil {
		return err
	}

	for i, step := range s.Steps {
		now := clk.Advance(step.Advance)
		stamp := now.Format(time.RFC3339)

		if step.Observe != "" {
			scripted.script(step.Importance)
			mem, err := uc.Observe(ctx, step.Observe)
			if err != nil {
				return goerr.Wrap(err, "observation failed", goerr.V("step", i+1))
			}
			fmt.Fprintf(w, "[%s] observe (importance %.0f): %s\n", stamp, mem.Importance, mem.Description)
			continue
		}

		var opts []memory.RetrieveOption
		if step.K > 0 {
			opts = append(opts, memory.WithK(step.K))
		}

		fmt.Fprintf(w, "[%s] recall: %s\n", stamp, step.Recall)
		if step.Inspect {
			scored, err := uc.RetrieveScored(ctx, step.Recall, opts...)
			if err != nil {
				return goerr.Wrap(err, "recall failed", goerr.V("step", i+1))
			}
			writeScores(w, scored)
			continue
		}

		memories, err := uc.Retrieve(ctx, step.Recall, opts...)
		if err != nil {
			return goerr.Wrap(err, "recall failed", goerr.V("step", i+1))
		}
		if len(memories) == 0 {
			fmt.Fprint(w, "no memories\n")
			continue
		}
		fmt.Fprint(w, model.Memories(memories).Format())
	}

	return nil
}
