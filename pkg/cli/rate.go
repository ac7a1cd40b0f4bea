package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func rateCommand() *cli.Command {
	var cfg config

	var flags []cli.Flag
	flags = append(flags, loggingFlags(&cfg)...)
	flags = append(flags, geminiFlags(&cfg)...)
	flags = append(flags, ratingFlags(&cfg)...)
	flags = append(flags, retryFlags(&cfg)...)

	return &cli.Command{
		Name:      "rate",
		Usage:     "Rate the importance of observations (arguments, or one per line from stdin)",
		ArgsUsage: "[observation ...]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			rater, err := cfg.newRater(ctx)
			if err != nil {
				return err
			}

			texts := c.Args().Slice()
			if len(texts) == 0 {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					if line := strings.TrimSpace(scanner.Text()); line != "" {
						texts = append(texts, line)
					}
				}
				if err := scanner.Err(); err != nil {
					return goerr.Wrap(err, "failed to read stdin")
				}
			}

			for _, text := range texts {
				score, err := rater.Rate(ctx, text)
				if err != nil {
					return goerr.Wrap(err, "failed to rate observation", goerr.V("text", text))
				}
				fmt.Fprintf(c.Root().Writer, "%.0f\t%s\n", score, text)
			}
			return nil
		},
	}
}
