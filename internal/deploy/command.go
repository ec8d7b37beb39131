package deploy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type CommandSpec struct {
	Command     string            `json:"command"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	TimeoutSecs int               `json:"timeoutSeconds,omitempty"`
}

func (s *CommandSpec) network() bool { return false }

func (s *CommandSpec) timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s *CommandSpec) validate() error {
	if s.Command == "" {
		return utils.ValidationError("command action requires a command")
	}
	return nil
}

func (s *CommandSpec) run(ctx context.Context, p *Pipeline, t Target) error {
	command := t.Substitute(s.Command)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.Cwd != "" {
		cmd.Dir = t.Substitute(s.Cwd)
	}

	cmd.Env = os.Environ()
	for key, value := range s.Env {
		cmd.Env = append(cmd.Env, key+"="+t.Substitute(value))
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return utils.IOError(fmt.Sprintf("command failed: %s", truncate(string(output), 512)), err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
