package deploy

import (
	"context"

	"github.com/docker/docker/api/types/container"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type DockerRestartSpec struct {
	ContainerName string `json:"containerName,omitempty"`
	ContainerID   string `json:"containerId,omitempty"`
}

func (s *DockerRestartSpec) network() bool { return true }

func (s *DockerRestartSpec) validate() error {
	if s.ContainerName == "" && s.ContainerID == "" {
		return utils.ValidationError("docker-restart action requires containerName or containerId")
	}
	return nil
}

func (s *DockerRestartSpec) run(ctx context.Context, p *Pipeline, t Target) error {
	cli, err := p.docker()
	if err != nil {
		return err
	}

	target := s.ContainerID
	if target == "" {
		target = s.ContainerName
	}
	target = t.Substitute(target)

	if err := cli.ContainerRestart(ctx, target, container.StopOptions{}); err != nil {
		return utils.NetworkError("failed to restart container "+target, err)
	}
	return nil
}
