package deploy

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type CopySpec struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Permissions string `json:"permissions,omitempty"`
	TimeoutSecs int    `json:"timeoutSeconds,omitempty"`
}

func (s *CopySpec) network() bool { return false }

func (s *CopySpec) timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s *CopySpec) validate() error {
	if s.Source == "" || s.Destination == "" {
		return utils.ValidationError("copy action requires source and destination")
	}
	return nil
}

func (s *CopySpec) run(ctx context.Context, p *Pipeline, t Target) error {
	source, err := t.ResolveSource(s.Source)
	if err != nil {
		return err
	}
	destination := t.Substitute(s.Destination)

	mode := os.FileMode(0644)
	if s.Permissions != "" {
		parsed, err := strconv.ParseUint(s.Permissions, 8, 32)
		if err != nil {
			return utils.ValidationError("invalid permissions: " + s.Permissions)
		}
		mode = os.FileMode(parsed)
	}

	if !utils.FileExists(source) {
		return utils.NotFoundError("source file does not exist: " + source)
	}

	if err := utils.CopyFile(source, destination, mode); err != nil {
		return utils.IOError("copy failed", err)
	}
	return nil
}
