package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

const (
	bugreportLogLimit = 3
	redactedValue     = "***REDACTED***"
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

func newBugreportCommand(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect recent logs, redacted config and interpreter versions into an archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

// bundle is the in-memory content of a bug report archive.
type bundle struct {
	files    []bundleFile
	warnings []string
}

type bundleFile struct {
	name string
	data []byte
}

func (b *bundle) add(name, content string) {
	b.files = append(b.files, bundleFile{name: name, data: []byte(content)})
}

func (b *bundle) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func runBugReport(ctx context.Context, out io.Writer) error {
	home, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if strings.TrimSpace(home) == "" {
		return errors.New("resolve home directory: empty path")
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	stateDir := filepath.Join(filepath.Clean(home), ".tidald")
	now := bugreportNowFn()

	b := &bundle{}
	logs := b.addLogs(filepath.Join(stateDir, "logs"))
	b.addConfig(filepath.Join(stateDir, "config.toml"))
	b.add("versions.txt", versionsReport(ctx))
	b.add("README.txt", b.readme(now, logs))

	path := filepath.Join(filepath.Clean(cwd), fmt.Sprintf(".tidald-bugreport-%s.tar.gz", now.Format("20060102-150405")))
	if err := writeArchive(path, b.files, now); err != nil {
		return err
	}
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "Bug report written to: %s\n", path)
	return nil
}

// addLogs bundles the newest session logs and returns how many made it in.
func (b *bundle) addLogs(dir string) int {
	files, err := newestFiles(dir, bugreportLogLimit)
	if err != nil {
		b.warn("unable to read logs directory: %v", err)
		return 0
	}
	added := 0
	for _, file := range files {
		// #nosec G304 -- paths come from listing ~/.tidald/logs.
		data, err := os.ReadFile(file.path)
		if err != nil {
			b.warn("unable to read log %s: %v", file.path, err)
			continue
		}
		b.files = append(b.files, bundleFile{name: "logs/" + filepath.Base(file.path), data: data})
		added++
	}
	return added
}

func (b *bundle) addConfig(path string) {
	// #nosec G304 -- path is fixed under ~/.tidald.
	data, err := os.ReadFile(path)
	if err != nil {
		b.warn("unable to read config: %v", err)
		b.add("config.toml", "# config unavailable\n")
		return
	}
	b.add("config.toml", redactSensitiveConfig(string(data)))
}

func (b *bundle) readme(now time.Time, logs int) string {
	var text strings.Builder
	fmt.Fprintf(&text, "tidald %s bug report, %s\n\n", Version, now.Format(time.RFC3339))
	fmt.Fprintf(&text, "logs/         %d newest session logs\n", logs)
	text.WriteString("config.toml   ~/.tidald/config.toml with credentials redacted\n")
	text.WriteString("versions.txt  tidald, ghci and stack versions\n")
	if len(b.warnings) > 0 {
		text.WriteString("\nwarnings:\n")
		for _, warning := range b.warnings {
			text.WriteString("  " + warning + "\n")
		}
	}
	return text.String()
}

func versionsReport(ctx context.Context) string {
	var text strings.Builder
	fmt.Fprintf(&text, "tidald: %s\n", strings.TrimSpace(Version))
	for _, tool := range []string{"ghci", "stack"} {
		output, err := bugreportRunCmdFn(ctx, tool, "--version")
		line := strings.TrimSpace(string(output))
		if err != nil {
			line = strings.TrimSpace(line + " (error: " + err.Error() + ")")
		}
		fmt.Fprintf(&text, "%s: %s\n", tool, line)
	}
	return text.String()
}

// redactSensitiveConfig blanks the value of every `key = value` or
// `key: value` line whose key looks like a credential.
func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		cut := strings.IndexAny(line, "=:")
		if cut < 0 || !isSensitiveKey(strings.ToLower(strings.TrimSpace(line[:cut]))) {
			continue
		}
		lines[i] = line[:cut+1] + " " + redactedValue
	}
	return strings.Join(lines, "\n")
}

func isSensitiveKey(key string) bool {
	for _, marker := range []string{"token", "password", "passwd", "secret", "api-key", "api_key", "apikey", "auth", "bearer", "header"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func writeArchive(path string, files []bundleFile, modTime time.Time) (err error) {
	// #nosec G304 -- path is generated in the working directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", path, err)
	}
	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)
	defer func() {
		for _, closer := range []io.Closer{tw, gz, file} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finish archive %s: %w", path, closeErr)
			}
		}
	}()

	for _, entry := range files {
		header := &tar.Header{
			Name:    entry.name,
			Mode:    0o600,
			Size:    int64(len(entry.data)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("archive %s: %w", entry.name, err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			return fmt.Errorf("archive %s: %w", entry.name, err)
		}
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

// newestFiles lists the regular files of dir, newest first, at most limit.
func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if info, err := entry.Info(); err == nil {
			files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
