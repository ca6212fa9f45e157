package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tidalcycles/tidald/internal/config"
	"github.com/tidalcycles/tidald/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(
		ctx,
		logging.WithLevel(cfg.LogLevel),
		logging.WithMaxFiles(cfg.LogMaxFiles),
		logging.WithRunID(newRunID()),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(ctx, cfg, logger.Logger)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

func newRunID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// rootFlags are persistent flags that override loaded configuration.
type rootFlags struct {
	ghciPath     string
	useStack     bool
	bootFile     string
	localBoot    bool
	workspace    string
	pebble       bool
	showOutput   bool
	console      bool
	otelEndpoint string
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "tidald",
		Short:         "Drive a Tidal interpreter session over GHCi",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	flags := &rootFlags{}
	persistent := root.PersistentFlags()
	persistent.StringVar(&flags.ghciPath, "ghci", "", "interpreter executable")
	persistent.BoolVar(&flags.useStack, "stack", false, "launch the interpreter through stack ghci")
	persistent.StringVar(&flags.bootFile, "boot-file", "", "boot script path")
	persistent.BoolVar(&flags.localBoot, "local-boot", false, "prefer BootTidal.hs in the workspace")
	persistent.StringVar(&flags.workspace, "workspace", "", "workspace directory")
	persistent.BoolVar(&flags.pebble, "pebble", false, "load and negotiate the capability module")
	persistent.BoolVar(&flags.showOutput, "show-ghci-output", false, "keep interpreter verbosity")
	persistent.BoolVar(&flags.console, "console", false, "mirror raw interpreter output to stderr")
	persistent.StringVar(&flags.otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint for traces")

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newREPLCommand(cfg, logger),
		newEvalCommand(cfg, logger),
		newHushCommand(cfg, logger),
		newBootCommand(cfg, logger),
		newDoctorCommand(cfg, logger),
		newBugreportCommand(logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		applyFlagOverrides(cfg, flags, cmd.Flags().Changed)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}

func applyFlagOverrides(cfg *config.Config, flags *rootFlags, changed func(name string) bool) {
	if changed("ghci") {
		cfg.GHCiPath = flags.ghciPath
	}
	if changed("stack") {
		cfg.UseStackGHCi = flags.useStack
	}
	if changed("boot-file") {
		cfg.BootTidalPath = flags.bootFile
	}
	if changed("local-boot") {
		cfg.UseBootFileInCurrentDirectory = flags.localBoot
	}
	if changed("workspace") {
		cfg.WorkspaceDir = flags.workspace
	}
	if changed("pebble") {
		cfg.PebbleEnabled = flags.pebble
	}
	if changed("show-ghci-output") {
		cfg.ShowGHCiOutput = flags.showOutput
	}
	if changed("console") {
		cfg.ShowOutputInConsoleChannel = flags.console
	}
	if changed("otel-endpoint") {
		cfg.OTelEndpoint = flags.otelEndpoint
	}
}
