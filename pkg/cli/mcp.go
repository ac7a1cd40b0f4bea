package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/service/mcp"
	"github.com/m-mizutani/memstream/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func mcpCommand() *cli.Command {
	var (
		cfg      config
		httpAddr string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "http",
			Usage:       "Serve the streamable HTTP transport on this address instead of stdio",
			Sources:     cli.EnvVars("MEMSTREAM_MCP_HTTP"),
			Destination: &httpAddr,
		},
	}
	flags = append(flags, allFlags(&cfg)...)

	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve observe, recall and inspect as MCP tools",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = cfg.setupLogger(ctx)

			uc, cleanup, err := cfg.newUseCase(ctx, c)
			if err != nil {
				return err
			}
			defer cleanup()

			srv := mcp.NewServer(uc, version)
			if httpAddr == "" {
				logging.From(ctx).Info("serving MCP over stdio")
				return srv.RunStdio(ctx)
			}

			return serveHTTP(ctx, httpAddr, srv.HTTPHandler())
		},
	}
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("serving MCP over HTTP", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return goerr.Wrap(err, "http server failed", goerr.V("addr", addr))

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return goerr.Wrap(err, "failed to shut down http server")
		}
		return nil
	}
}
