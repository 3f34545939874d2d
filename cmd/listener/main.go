package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go-listener/internal/app"
	"go-listener/internal/config"
	"go-listener/internal/observability"

	"github.com/spf13/cobra"
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	err := root.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, app.ErrInvalidConfig):
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitConfig
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFatal
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "listener",
		Short:         "Queue listener with bounded retries and dead-lettering",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	})
	rootCmd.AddCommand(newListenCmd())
	return rootCmd
}

func newListenCmd() *cobra.Command {
	defaults := config.DefaultListenOptions()

	cmd := &cobra.Command{
		Use:   "listen queue [connection]",
		Short: "Consume a queue one message at a time",
		Long: "Consume a queue with a prefetch of one. Messages that were tried --max-retry times " +
			"are republished to --max-retry-routing-key and acked.",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.RangeArgs(1, 2)(cmd, args); err != nil {
				return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			logLevel, _ := cmd.Flags().GetString("log-level")
			middlewares, _ := cmd.Flags().GetString("middlewares")

			opts := defaults
			opts.Queue = args[0]
			if len(args) > 1 {
				opts.Connection = args[1]
			}
			opts.Middlewares = config.ParseMiddlewares(middlewares)
			opts.Timeout, _ = cmd.Flags().GetInt("timeout")
			opts.MaxRetry, _ = cmd.Flags().GetInt("max-retry")
			opts.MaxRetryRoutingKey, _ = cmd.Flags().GetString("max-retry-routing-key")
			opts.MaxRetryExchange, _ = cmd.Flags().GetString("max-retry-exchange")

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			observability.InitLogger(cfg.Logging.Level)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return app.Listen(ctx, cfg, app.Options{Listen: opts})
		},
	}

	cmd.Flags().String("middlewares", "", "comma separated middlewares (logging, dedupe, throttle)")
	cmd.Flags().Int("timeout", defaults.Timeout, "per-message timeout in ms, -1 to disable")
	cmd.Flags().Int("max-retry", defaults.MaxRetry, "dispatch attempts before dead-lettering, -1 for unlimited")
	cmd.Flags().String("max-retry-routing-key", defaults.MaxRetryRoutingKey, "routing key for exhausted messages")
	cmd.Flags().String("max-retry-exchange", "", "exchange for exhausted messages (default amq.direct)")
	cmd.Flags().String("config", "", "path to a YAML or JSON config file")
	cmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	return cmd
}
