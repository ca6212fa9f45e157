package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

// BootFileName is the boot script looked up in the workspace and the bundle.
const BootFileName = "BootTidal.hs"

// FileReader is the file system seam used to locate and read boot scripts.
type FileReader interface {
	Exists(path string) bool
	ReadFile(path string) (string, error)
}

// OSFiles reads from the local file system.
type OSFiles struct{}

var _ FileReader = OSFiles{}

// Exists reports whether path names a regular file.
func (OSFiles) Exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ReadFile returns the whole file as text.
func (OSFiles) ReadFile(path string) (string, error) {
	// #nosec G304 -- boot script paths come from local configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type bootSource string

const (
	bootSourceWorkspace  bootSource = "workspace"
	bootSourceConfigured bootSource = "configured"
	bootSourceBundled    bootSource = "bundled"
)

// resolveBootPath picks the boot script: the workspace file when enabled and
// a workspace is open, else the configured path, else the bundled default.
// Missing workspace or configured files fall back to the bundled one.
func resolveBootPath(settings Settings, files FileReader, logger *log.Logger) (string, bootSource) {
	bundled := settings.resourcePath(BootFileName)

	if settings.UseBootFileInCurrentDirectory {
		workspace := strings.TrimSpace(settings.WorkspaceDir)
		if workspace != "" {
			local := filepath.Join(workspace, BootFileName)
			if files.Exists(local) {
				return local, bootSourceWorkspace
			}
			logger.Warn("workspace boot file not found; using bundled boot file", "path", local, "bundled", bundled)
			return bundled, bootSourceBundled
		}
		logger.Warn("use_boot_file_in_current_directory is set but no workspace is open")
	}

	if configured := strings.TrimSpace(settings.BootTidalPath); configured != "" {
		if files.Exists(configured) {
			return configured, bootSourceConfigured
		}
		logger.Warn("configured boot file not found; using bundled boot file", "path", configured, "bundled", bundled)
		return bundled, bootSourceBundled
	}

	return bundled, bootSourceBundled
}

func readBootLines(path string, files FileReader) ([]string, error) {
	text, err := files.ReadFile(path)
	if err != nil {
		return nil, &BootFileError{Path: path, Err: err}
	}
	return splitStatements(text), nil
}

// splitStatements splits text on any run of line terminators and drops empty
// lines.
func splitStatements(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
}

func pebbleDirective(settings Settings) string {
	return fmt.Sprintf(":l %s", settings.resourcePath("pebble", "Pebble.hs"))
}
