package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

var (
	IncusGroup   = "incus-admin"
	IncusProject = "default"
)

// Configure sets the package-level Incus configuration variables.
// This should be called after loading the config file to apply user settings.
func Configure(project, group string) {
	if project != "" {
		IncusProject = project
	}
	if group != "" {
		IncusGroup = group
	}
}

// ExitError is returned when the incus binary exits non-zero
type ExitError struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *ExitError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("incus exited with code %d: %s", e.ExitCode, e.Output)
	}
	return fmt.Sprintf("incus exited with code %d", e.ExitCode)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is an incus failure caused by a missing object
func IsNotFound(err error) bool {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	out := strings.ToLower(exitErr.Output)
	return strings.Contains(out, "not found") ||
		strings.Contains(out, "no such") ||
		strings.Contains(out, "doesn't exist") ||
		strings.Contains(out, "does not exist")
}

// execIncusCommandContext creates a context-aware exec.Cmd for running incus commands.
// On Linux, it wraps the command with sg for group permissions.
// On macOS, it runs incus directly (no incus-admin group).
//
// WaitDelay is set so that when the context is cancelled, cmd.Wait returns
// promptly instead of blocking until all child-process pipes are closed.
func execIncusCommandContext(ctx context.Context, cmdArgs []string) *exec.Cmd {
	log.Debug("running incus", "cmd", cmdArgs[2])
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		incusCmd := cmdArgs[2]
		cmd = exec.CommandContext(ctx, "sh", "-c", incusCmd)
	} else {
		cmd = exec.CommandContext(ctx, "sg", cmdArgs...)
	}
	cmd.WaitDelay = time.Second
	return cmd
}

// IncusExecQuietContext executes an Incus command silently with context support
func IncusExecQuietContext(ctx context.Context, args ...string) error {
	cmdArgs := buildIncusCommand(args...)
	cmd := execIncusCommandContext(ctx, cmdArgs)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run()
}

// IncusOutputContext executes an Incus command with context support and returns the output (trimmed)
func IncusOutputContext(ctx context.Context, args ...string) (string, error) {
	cmdArgs := buildIncusCommand(args...)
	cmd := execIncusCommandContext(ctx, cmdArgs)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil

	err := cmd.Run()
	output := strings.TrimSpace(stdout.String())
	return output, wrapExitError(err, output)
}

// IncusOutputWithStderrContext executes an Incus command with context support and returns combined stdout+stderr
// This is useful when error messages from Incus need to be inspected (e.g., "not found")
func IncusOutputWithStderrContext(ctx context.Context, args ...string) (string, error) {
	cmdArgs := buildIncusCommand(args...)
	cmd := execIncusCommandContext(ctx, cmdArgs)

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	output := strings.TrimSpace(combined.String())
	return output, wrapExitError(err, output)
}

// IncusInputContext executes an Incus command feeding input on stdin and returns combined output.
// Used by editors such as `incus network acl edit` which replace an object wholesale.
func IncusInputContext(ctx context.Context, input string, args ...string) (string, error) {
	cmdArgs := buildIncusCommand(args...)
	cmd := execIncusCommandContext(ctx, cmdArgs)

	var combined bytes.Buffer
	cmd.Stdin = strings.NewReader(input)
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	output := strings.TrimSpace(combined.String())
	return output, wrapExitError(err, output)
}

func wrapExitError(err error, output string) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			ExitCode: exitErr.ExitCode(),
			Output:   output,
			Err:      err,
		}
	}
	return err
}

// Available reports whether the incus binary exists and the daemon answers
func Available() bool {
	if _, err := exec.LookPath("incus"); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return IncusExecQuietContext(ctx, "info") == nil
}

// buildIncusCommand builds the full incus command with project flag
func buildIncusCommand(args ...string) []string {
	incusArgs := append([]string{"--project", IncusProject}, args...)

	// Properly quote arguments for shell execution
	quotedArgs := make([]string, len(incusArgs))
	for i, arg := range incusArgs {
		quotedArgs[i] = shellQuote(arg)
	}

	incusCmd := "incus " + strings.Join(quotedArgs, " ")
	return []string{IncusGroup, "-c", incusCmd}
}

var safeShellArg = regexp.MustCompile(`^[a-zA-Z0-9@%+=:,./_-]+$`)

// shellQuote quotes a string for safe use in a shell command
func shellQuote(s string) string {
	if safeShellArg.MatchString(s) {
		return s
	}

	// Otherwise, single-quote and escape any single quotes
	escaped := strings.ReplaceAll(s, "'", "'\"'\"'")
	return "'" + escaped + "'"
}

// Exists reports whether a container (instance) with the given name exists
func Exists(ctx context.Context, containerName string) (bool, error) {
	_, err := IncusOutputWithStderrContext(ctx, "config", "show", containerName)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}
