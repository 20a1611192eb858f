package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/deepnoodle-ai/durable"
)

// ShellInput defines the input of the shell agent
type ShellInput struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	WorkingDir  string            `json:"working_dir"`
	Environment map[string]string `json:"environment"`

	// FailOnError turns a non-zero exit code into a step failure.
	FailOnError bool `json:"fail_on_error"`
}

// Shell runs a command. The step timeout bounds the command's run time.
type Shell struct{}

func NewShell() *Shell {
	return &Shell{}
}

func (a *Shell) Name() string {
	return "shell"
}

func (a *Shell) Execute(ctx context.Context, req *durable.AgentRequest) (any, error) {
	var input ShellInput
	if err := req.Decode(&input); err != nil {
		return nil, err
	}
	if input.Command == "" {
		return nil, durable.NewError(durable.ErrorCodeValidation, "shell agent requires 'command' input")
	}

	cmd := exec.CommandContext(ctx, input.Command, input.Args...)
	if input.WorkingDir != "" {
		cmd.Dir = input.WorkingDir
	}
	if len(input.Environment) > 0 {
		cmd.Env = os.Environ()
		for key, value := range input.Environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	result := map[string]any{
		"stdout":    strings.TrimSpace(stdout.String()),
		"stderr":    strings.TrimSpace(stderr.String()),
		"exit_code": exitCode,
		"success":   exitCode == 0,
	}
	if exitCode != 0 && input.FailOnError {
		return nil, &durable.Error{
			Code:    durable.ErrorCodeStepFailed,
			Message: fmt.Sprintf("command %q exited with code %d", input.Command, exitCode),
			Details: result,
		}
	}
	return result, nil
}
