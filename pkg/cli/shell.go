package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/model"
	"github.com/m-mizutani/memstream/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

const shellHelp = `Commands:
  observe <text>   record an observation
  recall <text>    retrieve memories relevant to a situation
  inspect <text>   like recall, with score breakdown
  list             show every stored memory in insertion order
  help             show this help
  exit             quit
`

func shellCommand() *cli.Command {
	var (
		cfg         config
		historyFile string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "history-file",
			Usage:       "File to keep shell input history in",
			Sources:     cli.EnvVars("MEMSTREAM_HISTORY_FILE"),
			Destination: &historyFile,
		},
	}
	flags = append(flags, allFlags(&cfg)...)

	return &cli.Command{
		Name:  "shell",
		Usage: "Interactive memory stream: observe and recall from a prompt",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			uc, cleanup, err := cfg.newUseCase(ctx, c)
			if err != nil {
				return err
			}
			defer cleanup()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "memstream> ",
				HistoryFile:     historyFile,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return goerr.Wrap(err, "failed to start readline")
			}
			defer rl.Close()

			sh := &shell{uc: uc, w: c.Root().Writer, spin: true}
			fmt.Fprint(sh.w, "Memory shell started. Type 'help' for commands.\n")

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						break
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				quit, err := sh.exec(ctx, line)
				if err != nil {
					fmt.Fprintf(sh.w, "error: %v\n", err)
				}
				if quit {
					break
				}
			}

			return nil
		},
	}
}

type shell struct {
	uc   *memory.UseCase
	w    io.Writer
	spin bool
}

// exec runs one shell line and reports whether the shell should quit
func (s *shell) exec(ctx context.Context, line string) (bool, error) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch verb {
	case "":
		return false, nil

	case "exit", "quit":
		return true, nil

	case "help":
		fmt.Fprint(s.w, shellHelp)
		return false, nil

	case "observe":
		if arg == "" {
			return false, goerr.New("observe needs a description")
		}
		var mem *model.Memory
		err := s.withSpinner("rating and embedding", func() error {
			var err error
			mem, err = s.uc.Observe(ctx, arg)
			return err
		})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.w, "stored %s (importance %.0f)\n", mem.ID, mem.Importance)
		return false, nil

	case "recall":
		if arg == "" {
			return false, goerr.New("recall needs a situation")
		}
		var memories []model.Memory
		err := s.withSpinner("recalling", func() error {
			var err error
			memories, err = s.uc.Retrieve(ctx, arg)
			return err
		})
		if err != nil {
			return false, err
		}
		if len(memories) == 0 {
			fmt.Fprint(s.w, "no memories\n")
			return false, nil
		}
		fmt.Fprint(s.w, model.Memories(memories).Format())
		return false, nil

	case "inspect":
		if arg == "" {
			return false, goerr.New("inspect needs a situation")
		}
		var scored []model.ScoredMemory
		err := s.withSpinner("recalling", func() error {
			var err error
			scored, err = s.uc.RetrieveScored(ctx, arg)
			return err
		})
		if err != nil {
			return false, err
		}
		writeScores(s.w, scored)
		return false, nil

	case "list":
		i := 0
		for mem := range s.uc.Store().All() {
			i++
			fmt.Fprintf(s.w, "%d. [%s] (importance %.0f) %s\n",
				i, mem.CreatedAt.Format(time.RFC3339), mem.Importance, mem.Description)
		}
		if i == 0 {
			fmt.Fprint(s.w, "no memories\n")
		}
		return false, nil

	default:
		return false, goerr.New("unknown command, type 'help'", goerr.V("command", verb))
	}
}

func (s *shell) withSpinner(msg string, fn func() error) error {
	if !s.spin {
		return fn()
	}

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	sp.Suffix = " " + msg
	sp.Start()
	defer sp.Stop()

	return fn()
}

func writeScores(w io.Writer, scored []model.ScoredMemory) {
	if len(scored) == 0 {
		fmt.Fprint(w, "no memories\n")
		return
	}

	fmt.Fprintf(w, "%-3s %-7s %-17s %-17s %-17s %s\n", "#", "score", "recency", "importance", "relevance", "description")
	for i, sm := range scored {
		fmt.Fprintf(w, "%-3d %-7.3f %-17s %-17s %-17s %s\n",
			i+1,
			sm.Score,
			fmt.Sprintf("%.3f (%.3f)", sm.NormRecency, sm.Recency),
			fmt.Sprintf("%.3f (%.0f)", sm.NormImportance, sm.Importance),
			fmt.Sprintf("%.3f (%.3f)", sm.NormRelevance, sm.Relevance),
			sm.Memory.Description,
		)
	}
}
