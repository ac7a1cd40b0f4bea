package cli

import (
	"context"

	"github.com/m-mizutani/memstream/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

const version = "0.1.0"

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	if err := newApp().Run(ctx, argv); err != nil {
		logging.Default().Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "memstream",
		Usage:   "Episodic memory stream for agents: observe, rate, embed and recall",
		Version: version,
		Commands: []*cli.Command{
			shellCommand(),
			rateCommand(),
			replayCommand(),
			mcpCommand(),
		},
	}
}
