package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/tidalcycles/tidald/internal/config"
	"github.com/tidalcycles/tidald/internal/session"
)

const (
	directiveQuit    = ":quit"
	directiveHush    = ":hush"
	directiveRequest = ":request"
)

func newREPLCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Evaluate blocks read from stdin, one per blank-line-separated paragraph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, cfg, logger, cmd.ErrOrStderr(), func(sess sessionAPI) error {
				if err := sess.EnsureReady(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "session %s (capability %s)\n", sess.State(), capabilityLabel(sess))
				return runREPL(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), sess)
			})
		},
	}
}

// runREPL reads paragraphs from in and evaluates each as one block. A
// directive line is only recognised between blocks. Evaluation errors are
// reported and the loop continues.
func runREPL(ctx context.Context, in io.Reader, out, errOut io.Writer, sess sessionAPI) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var block []string
	flush := func() {
		if len(block) == 0 {
			return
		}
		text := strings.Join(block, "\n")
		block = block[:0]
		if err := sess.Evaluate(ctx, text); err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
		}
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if len(block) > 0 || !strings.HasPrefix(trimmed, ":") {
			block = append(block, line)
			continue
		}

		switch {
		case trimmed == directiveQuit:
			return nil
		case trimmed == directiveHush:
			if err := sess.Hush(ctx); err != nil {
				fmt.Fprintf(errOut, "error: %v\n", err)
			}
		case strings.HasPrefix(trimmed, directiveRequest+" "):
			payload := strings.TrimSpace(strings.TrimPrefix(trimmed, directiveRequest))
			reply, err := sess.CapabilityRequest(ctx, payload, 0)
			if err != nil {
				fmt.Fprintf(errOut, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, reply)
		default:
			fmt.Fprintf(errOut, "error: unknown directive %q\n", trimmed)
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func newEvalCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var expr string
	cmd := &cobra.Command{
		Use:   "eval [file]",
		Short: "Evaluate an expression or every block of a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blocks, err := evalBlocks(expr, args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withRuntime(ctx, cfg, logger, cmd.ErrOrStderr(), func(sess sessionAPI) error {
				for i, block := range blocks {
					if err := sess.Evaluate(ctx, block); err != nil {
						return fmt.Errorf("evaluate block %d: %w", i+1, err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&expr, "expr", "e", "", "expression to evaluate")
	return cmd
}

func evalBlocks(expr string, args []string) ([]string, error) {
	switch {
	case strings.TrimSpace(expr) != "" && len(args) > 0:
		return nil, errors.New("use either --expr or a file, not both")
	case strings.TrimSpace(expr) != "":
		return []string{expr}, nil
	case len(args) == 1:
		// #nosec G304 -- the file is named by the user on the command line.
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", args[0], err)
		}
		blocks := splitBlocks(string(data))
		if len(blocks) == 0 {
			return nil, fmt.Errorf("%s has nothing to evaluate", args[0])
		}
		return blocks, nil
	default:
		return nil, errors.New("nothing to evaluate: pass --expr or a file")
	}
}

// splitBlocks splits text into paragraphs separated by blank lines.
func splitBlocks(text string) []string {
	var blocks []string
	var current []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, strings.Join(current, "\n"))
	}
	return blocks
}

func newHushCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "hush",
		Short: "Silence every running pattern",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, cfg, logger, cmd.ErrOrStderr(), func(sess sessionAPI) error {
				return sess.Hush(ctx)
			})
		},
	}
}

func newBootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot a session and report its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, cfg, logger, cmd.ErrOrStderr(), func(sess sessionAPI) error {
				bootErr := sess.EnsureReady(ctx)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "state: %s\n", sess.State())
				fmt.Fprintf(out, "capability: %s\n", capabilityLabel(sess))
				if identity := sess.Identity(); identity != "" {
					fmt.Fprintf(out, "identity: %s\n", identity)
				}
				return bootErr
			})
		},
	}
}

func capabilityLabel(sess sessionAPI) string {
	if sess.CapabilityAvailable() {
		return "available"
	}
	return "unavailable"
}

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check interpreter availability and resource files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger.With("command", "doctor").Info("checking environment")
			return runDoctor(cmd.OutOrStdout(), cfg)
		},
	}
}

func runDoctor(out io.Writer, cfg *config.Config) error {
	launch, availability, warnings, launchErr := resolveLaunchFn(cfg.UseStackGHCi, cfg.GHCiPath, cfg.LauncherFallback)

	fmt.Fprintf(out, "ghci: %s\n", foundLabel(availability.GHCi, availability.GHCiPath))
	fmt.Fprintf(out, "stack: %s\n", foundLabel(availability.Stack, availability.StackPath))
	if launchErr == nil {
		if launch.UseStack {
			fmt.Fprintln(out, "launch: stack ghci")
		} else {
			fmt.Fprintf(out, "launch: %s\n", launch.Executable)
		}
	}
	for _, warning := range warnings {
		fmt.Fprintf(out, "warning: %s\n", warning)
	}

	files := session.OSFiles{}
	bundled := cfg.ResourcePath(session.BootFileName)
	fmt.Fprintf(out, "bundled boot file: %s\n", foundLabel(files.Exists(bundled), bundled))
	if cfg.BootTidalPath != "" {
		fmt.Fprintf(out, "configured boot file: %s\n", foundLabel(files.Exists(cfg.BootTidalPath), cfg.BootTidalPath))
	}
	if cfg.PebbleEnabled {
		module := cfg.ResourcePath("pebble", "Pebble.hs")
		fmt.Fprintf(out, "capability module: %s\n", foundLabel(files.Exists(module), module))
	}

	if launchErr != nil {
		return launchErr
	}
	return nil
}

func foundLabel(found bool, path string) string {
	if !found {
		if path == "" {
			return "missing"
		}
		return "missing (" + path + ")"
	}
	return path
}
