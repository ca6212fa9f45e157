package ghci

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Availability captures which interpreter launchers are present on PATH.
type Availability struct {
	GHCi      bool
	GHCiPath  string
	Stack     bool
	StackPath string
}

// Launch is the resolved way to start the interpreter.
type Launch struct {
	UseStack   bool
	Executable string
}

// ResolveLaunch checks that the configured launcher is on PATH. With
// fallback set, a missing launcher is replaced by the other one and a
// warning is returned; otherwise it is an error.
func ResolveLaunch(useStack bool, executable string, fallback bool) (Launch, Availability, []string, error) {
	return resolveLaunch(useStack, executable, fallback, exec.LookPath)
}

func resolveLaunch(
	useStack bool,
	executable string,
	fallback bool,
	lookPath func(file string) (string, error),
) (Launch, Availability, []string, error) {
	if lookPath == nil {
		return Launch{}, Availability{}, nil, errors.New("lookPath function is required")
	}
	executable = strings.TrimSpace(executable)
	if executable == "" {
		executable = DefaultExecutable
	}

	availability := detectAvailability(executable, lookPath)
	switch {
	case useStack && availability.Stack:
		return Launch{UseStack: true, Executable: executable}, availability, nil, nil
	case !useStack && availability.GHCi:
		return Launch{Executable: availability.GHCiPath}, availability, nil, nil
	case !fallback && useStack:
		return Launch{}, availability, nil, errors.New("stack not found on PATH")
	case !fallback:
		return Launch{}, availability, nil, fmt.Errorf("interpreter %q not found on PATH", executable)
	case useStack && availability.GHCi:
		return Launch{Executable: availability.GHCiPath}, availability, []string{
			fmt.Sprintf("stack not found on PATH; falling back to %q", executable),
		}, nil
	case !useStack && availability.Stack:
		return Launch{UseStack: true, Executable: executable}, availability, []string{
			fmt.Sprintf("interpreter %q not found; falling back to stack ghci", executable),
		}, nil
	default:
		return Launch{}, availability, nil, fmt.Errorf("neither %q nor stack found on PATH", executable)
	}
}

func detectAvailability(executable string, lookPath func(file string) (string, error)) Availability {
	availability := Availability{}
	if path, err := lookPath(executable); err == nil {
		availability.GHCi = true
		availability.GHCiPath = path
	}
	if path, err := lookPath("stack"); err == nil {
		availability.Stack = true
		availability.StackPath = path
	}
	return availability
}
