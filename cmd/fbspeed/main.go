package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/NodePath81/fbspeed/internal/app"
	"github.com/NodePath81/fbspeed/internal/client"
	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/console"
	"github.com/NodePath81/fbspeed/internal/engine"
	"github.com/NodePath81/fbspeed/internal/store"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/NodePath81/fbspeed/internal/version"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

type rootOpts struct {
	configPath string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	root := &cobra.Command{
		Use:           "fbspeed",
		Short:         "Network speed test server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to config file")
	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newHistoryCmd(opts),
		newCheckCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file. The client commands fall back to
// defaults when the default path does not exist.
func loadConfig(cmd *cobra.Command, opts *rootOpts) (config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(opts.configPath); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.LoadConfig(opts.configPath)
}

func newServeCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the speed test server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger := util.NewLogger(cfg.Log.Level)
			supervisor := app.NewSupervisor(opts.configPath, logger)
			if err := supervisor.Start(); err != nil {
				logger.Error("startup failed", "error", err)
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigCh)
			for sig := range sigCh {
				if sig != syscall.SIGHUP {
					break
				}
				logger.Info("reload requested")
				if err := supervisor.Restart(); err != nil {
					logger.Error("restart failed", "error", err)
					return err
				}
			}
			logger.Info("shutdown requested")
			supervisor.Stop()
			return nil
		},
	}
}

type runOpts struct {
	serverURL string
	noSubmit  bool
	quiet     bool
}

func newRunCmd(root *rootOpts) *cobra.Command {
	opts := &runOpts{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Measure ping, download and upload against a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			if opts.serverURL != "" {
				cfg.Client.ServerURL = opts.serverURL
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSpeedTest(ctx, cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.serverURL, "server", "", "Server base URL (overrides client.server_url)")
	cmd.Flags().BoolVar(&opts.noSubmit, "no-submit", false, "Do not record the result on the server")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Hide the progress line")
	return cmd
}

func runSpeedTest(ctx context.Context, cfg config.Config, opts *runOpts, stdout, stderr io.Writer) error {
	logger := util.NewLoggerTo(stderr, cfg.Log.Level)
	httpClient := &http.Client{}
	eng := engine.New(client.NewProber(cfg.Client, httpClient), client.EngineOptions(cfg.Client), logger)
	defer eng.Close()

	var (
		saved     store.SpeedTest
		submitErr error
	)
	if !opts.noSubmit {
		submitter := client.New(cfg.Client, httpClient, logger)
		eng.SetOnComplete(func(result engine.Result) {
			saved, submitErr = submitter.Record(ctx, result)
		})
	}

	run := eng.Start(ctx)
	rendered := make(chan struct{})
	if opts.quiet {
		close(rendered)
	} else {
		go func() {
			defer close(rendered)
			console.NewRenderer(stdout, eng).Follow(ctx, run.Done())
		}()
	}
	result, err := run.Wait(context.Background())
	<-rendered
	if err != nil {
		if errors.Is(err, engine.ErrCanceled) {
			fmt.Fprintln(stderr, "speed test canceled")
		}
		return err
	}

	console.PrintResult(stdout, result.RunID, result.Metrics)
	switch {
	case opts.noSubmit:
	case errors.Is(submitErr, client.ErrNotSaved):
		console.PrintNotSaved(stderr, submitErr)
	case submitErr != nil:
		return fmt.Errorf("submit result: %w", submitErr)
	default:
		fmt.Fprintf(stdout, "  Saved:     #%d\n", saved.ID)
	}
	return nil
}

func newHistoryCmd(root *rootOpts) *cobra.Command {
	var (
		serverURL string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded results, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Client.ServerURL = serverURL
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if limit < 0 {
				return fmt.Errorf("--limit must be >= 0")
			}
			logger := util.NewLoggerTo(cmd.ErrOrStderr(), cfg.Log.Level)
			tests, err := client.New(cfg.Client, nil, logger).History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return console.PrintHistory(cmd.OutOrStdout(), tests)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Server base URL (overrides client.server_url)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of results (0 uses the server limit)")
	return cmd
}

func newCheckCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(root.configPath)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config valid: server %s, storage %s, client %s\n",
				util.NetJoin(cfg.Server.BindAddr, cfg.Server.BindPort), cfg.Storage.Path, cfg.Client.ServerURL)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}
}
