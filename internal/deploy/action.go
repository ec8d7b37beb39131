package deploy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

const (
	TypeCopy              = "copy"
	TypeCommand           = "command"
	TypeDockerRestart     = "docker-restart"
	TypeNginxProxyManager = "nginx-proxy-manager"
	TypeSSHCopy           = "ssh-copy"
	TypeSMBCopy           = "smb-copy"
	TypeFTPCopy           = "ftp-copy"
	TypeAPICall           = "api-call"
	TypeWebhook           = "webhook"
	TypeEmail             = "email"
)

// Action is one post-renewal deployment step. The sidecar stores actions as
// open JSON shapes discriminated by "type"; they are decoded exactly once
// into the matching typed spec.
type Action struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Spec Spec   `json:"-"`
}

// Spec is the typed payload of a single action.
type Spec interface {
	run(ctx context.Context, p *Pipeline, t Target) error
	network() bool
}

func specFor(actionType string) (Spec, error) {
	switch actionType {
	case TypeCopy:
		return &CopySpec{}, nil
	case TypeCommand:
		return &CommandSpec{}, nil
	case TypeDockerRestart:
		return &DockerRestartSpec{}, nil
	case TypeNginxProxyManager:
		return &NginxProxyManagerSpec{}, nil
	case TypeSSHCopy:
		return &SSHCopySpec{}, nil
	case TypeSMBCopy:
		return &SMBCopySpec{}, nil
	case TypeFTPCopy:
		return &FTPCopySpec{}, nil
	case TypeAPICall:
		return &APICallSpec{}, nil
	case TypeWebhook:
		return &WebhookSpec{}, nil
	case TypeEmail:
		return &EmailSpec{}, nil
	default:
		return nil, utils.ValidationError(fmt.Sprintf("unknown deploy action type: %s", actionType))
	}
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	spec, err := specFor(head.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, spec); err != nil {
		return fmt.Errorf("failed to decode %s action: %w", head.Type, err)
	}

	a.ID = head.ID
	a.Type = head.Type
	a.Name = head.Name
	a.Spec = spec
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	fields := make(map[string]interface{})

	if a.Spec != nil {
		specData, err := json.Marshal(a.Spec)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(specData, &fields); err != nil {
			return nil, err
		}
	}

	if a.ID != "" {
		fields["id"] = a.ID
	}
	fields["type"] = a.Type
	if a.Name != "" {
		fields["name"] = a.Name
	}

	return json.Marshal(fields)
}

func (a Action) Validate() error {
	if a.Spec == nil {
		spec, err := specFor(a.Type)
		if err != nil {
			return err
		}
		a.Spec = spec
	}
	if v, ok := a.Spec.(interface{ validate() error }); ok {
		return v.validate()
	}
	return nil
}
