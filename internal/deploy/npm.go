package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

// NginxProxyManagerSpec installs the certificate into an NPM instance through
// one of three routes: a local data directory, a docker container sharing a
// volume, or the NPM REST API.
type NginxProxyManagerSpec struct {
	NPMPath         string `json:"npmPath,omitempty"`
	DockerContainer string `json:"dockerContainer,omitempty"`
	UseAPI          bool   `json:"useAPI,omitempty"`
	APIHost         string `json:"apiHost,omitempty"`
	APIPort         int    `json:"apiPort,omitempty"`
	Email           string `json:"email,omitempty"`
	Password        string `json:"password,omitempty"`
	CertificateID   int    `json:"certificateId,omitempty"`
	TimeoutSecs     int    `json:"timeoutSeconds,omitempty"`
}

func (s *NginxProxyManagerSpec) network() bool { return true }

func (s *NginxProxyManagerSpec) timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s *NginxProxyManagerSpec) validate() error {
	if s.NPMPath == "" && s.DockerContainer == "" && !s.UseAPI {
		return utils.ValidationError("nginx-proxy-manager action requires npmPath, dockerContainer or useAPI")
	}
	if s.UseAPI && (s.APIHost == "" || s.Email == "" || s.Password == "" || s.CertificateID == 0) {
		return utils.ValidationError("nginx-proxy-manager API mode requires apiHost, email, password and certificateId")
	}
	return nil
}

func (s *NginxProxyManagerSpec) run(ctx context.Context, p *Pipeline, t Target) error {
	certPath, err := t.ResolveSource("cert")
	if err != nil {
		return err
	}
	keyPath, err := t.ResolveSource("key")
	if err != nil {
		return err
	}

	switch {
	case s.UseAPI:
		return s.deployViaAPI(ctx, p, certPath, keyPath)
	case s.NPMPath != "":
		return s.deployToPath(p, t, certPath, keyPath)
	default:
		return s.deployToContainer(ctx, p, t, certPath, keyPath)
	}
}

func (s *NginxProxyManagerSpec) deployToPath(p *Pipeline, t Target, certPath, keyPath string) error {
	base := filepath.Join(t.Substitute(s.NPMPath), "custom_ssl", fmt.Sprintf("npm-%d", s.CertificateID))

	if err := utils.CopyFile(certPath, filepath.Join(base, "fullchain.pem"), 0644); err != nil {
		return utils.IOError("failed to install certificate into NPM directory", err)
	}
	if err := utils.CopyFile(keyPath, filepath.Join(base, "privkey.pem"), 0600); err != nil {
		return utils.IOError("failed to install key into NPM directory", err)
	}
	return nil
}

func (s *NginxProxyManagerSpec) deployToContainer(ctx context.Context, p *Pipeline, t Target, certPath, keyPath string) error {
	if s.NPMPath != "" {
		if err := s.deployToPath(p, t, certPath, keyPath); err != nil {
			return err
		}
	}

	cli, err := p.docker()
	if err != nil {
		return err
	}

	name := t.Substitute(s.DockerContainer)
	if err := cli.ContainerRestart(ctx, name, container.StopOptions{}); err != nil {
		return utils.NetworkError("failed to restart NPM container "+name, err)
	}
	return nil
}

func (s *NginxProxyManagerSpec) deployViaAPI(ctx context.Context, p *Pipeline, certPath, keyPath string) error {
	port := s.APIPort
	if port == 0 {
		port = 81
	}
	base := fmt.Sprintf("http://%s:%d", s.APIHost, port)

	token, err := s.apiToken(ctx, p, base)
	if err != nil {
		return err
	}

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for field, path := range map[string]string{"certificate": certPath, "certificate_key": keyPath} {
		file, err := os.Open(path)
		if err != nil {
			return utils.IOError("failed to open "+path, err)
		}
		part, err := writer.CreateFormFile(field, filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, file)
		}
		file.Close()
		if err != nil {
			return utils.InternalError("failed to build NPM upload", err)
		}
	}
	if err := writer.Close(); err != nil {
		return utils.InternalError("failed to finalize NPM upload", err)
	}

	endpoint := fmt.Sprintf("%s/api/nginx/certificates/%d/upload", base, s.CertificateID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, buf)
	if err != nil {
		return utils.InternalError("failed to build NPM request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return utils.NetworkError("NPM API unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return utils.NetworkError(fmt.Sprintf("NPM certificate upload returned status %d", resp.StatusCode), nil)
	}
	return nil
}

func (s *NginxProxyManagerSpec) apiToken(ctx context.Context, p *Pipeline, base string) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"identity": s.Email,
		"secret":   s.Password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/tokens", bytes.NewReader(payload))
	if err != nil {
		return "", utils.InternalError("failed to build NPM token request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", utils.NetworkError("NPM API unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", utils.NetworkError(fmt.Sprintf("NPM authentication returned status %d", resp.StatusCode), nil)
	}

	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil || tokenResp.Token == "" {
		return "", utils.NetworkError("NPM authentication response is invalid", err)
	}
	return tokenResp.Token, nil
}
