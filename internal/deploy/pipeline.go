package deploy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/client"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

// Target carries everything an action may reference about the certificate it
// deploys: the path map and the resolved placeholder tokens. Actions never
// see the certificate entity itself.
type Target struct {
	Name        string
	Fingerprint string
	Paths       map[string]string
	Tokens      map[string]string
}

// Substitute replaces every recognized {token} in s. Replacement is literal
// and non-escaping; unknown tokens are left untouched.
func (t Target) Substitute(s string) string {
	for token, value := range t.Tokens {
		s = strings.ReplaceAll(s, "{"+token+"}", value)
	}
	return s
}

// ResolveSource maps the well-known source keywords onto the certificate's
// path map; anything else is treated as a literal filesystem path.
func (t Target) ResolveSource(source string) (string, error) {
	source = t.Substitute(source)

	key := strings.ToLower(source)
	if key == "cert" {
		key = "crt"
	}
	switch key {
	case "crt", "key", "chain", "fullchain", "p12", "pfx", "pem":
		path, ok := t.Paths[key]
		if !ok || path == "" {
			return "", utils.ValidationError(fmt.Sprintf("certificate has no %s file", key))
		}
		return path, nil
	}
	return source, nil
}

type ActionResult struct {
	Index    int           `json:"index"`
	Type     string        `json:"type"`
	Name     string        `json:"name,omitempty"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type Result struct {
	Success         bool           `json:"success"`
	ActionsExecuted int            `json:"actionsExecuted"`
	Failures        []ActionResult `json:"failures"`
	Details         []ActionResult `json:"details"`
}

type Pipeline struct {
	config     *utils.Config
	logger     *utils.Logger
	httpClient *http.Client

	dockerOnce sync.Once
	dockerCli  *client.Client
	dockerErr  error

	observe func(actionType string, success bool)
}

func NewPipeline(config *utils.Config, logger *utils.Logger) *Pipeline {
	return &Pipeline{
		config:     config,
		logger:     logger,
		httpClient: &http.Client{},
	}
}

// SetObserver registers a hook invoked once per executed action, used by the
// metrics service.
func (p *Pipeline) SetObserver(fn func(actionType string, success bool)) {
	p.observe = fn
}

func (p *Pipeline) docker() (*client.Client, error) {
	p.dockerOnce.Do(func() {
		opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if p.config.DockerHost != "" {
			opts = append(opts, client.WithHost(p.config.DockerHost))
		}
		p.dockerCli, p.dockerErr = client.NewClientWithOpts(opts...)
	})
	if p.dockerErr != nil {
		return nil, utils.NetworkError("docker daemon unreachable", p.dockerErr)
	}
	return p.dockerCli, nil
}

// Run executes the actions strictly in order. A failing action is recorded
// and the pipeline moves on; it never aborts the sequence or rolls back the
// renewal that triggered it.
func (p *Pipeline) Run(ctx context.Context, target Target, actions []Action) Result {
	result := Result{Success: true}

	for i, action := range actions {
		actionResult := p.runOne(ctx, i, target, action)

		result.ActionsExecuted++
		result.Details = append(result.Details, actionResult)
		if !actionResult.Success {
			result.Success = false
			result.Failures = append(result.Failures, actionResult)
		}

		if p.observe != nil {
			p.observe(action.Type, actionResult.Success)
		}
	}

	return result
}

func (p *Pipeline) runOne(ctx context.Context, index int, target Target, action Action) ActionResult {
	actionResult := ActionResult{
		Index: index,
		Type:  action.Type,
		Name:  action.Name,
	}

	if action.Spec == nil {
		actionResult.Error = fmt.Sprintf("action %d has no payload", index)
		return actionResult
	}

	timeout := p.config.LocalActionTimeout
	if action.Spec.network() {
		timeout = p.config.NetworkActionTimeout
	}
	if o, ok := action.Spec.(interface{ timeout() time.Duration }); ok {
		if custom := o.timeout(); custom > 0 {
			timeout = custom
		}
	}

	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := action.Spec.run(actionCtx, p, target)
	actionResult.Duration = time.Since(start)

	if err != nil {
		actionResult.Error = err.Error()
		p.logger.LogDeployEvent(action.Type, target.Fingerprint, false, map[string]interface{}{
			"index": index,
			"error": err.Error(),
		})
		return actionResult
	}

	actionResult.Success = true
	p.logger.LogDeployEvent(action.Type, target.Fingerprint, true, map[string]interface{}{
		"index":       index,
		"duration_ms": actionResult.Duration.Milliseconds(),
	})
	return actionResult
}
