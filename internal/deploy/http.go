package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type APICallSpec struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Data        string            `json:"data,omitempty"`
	JSONPayload json.RawMessage   `json:"jsonPayload,omitempty"`
	FormData    map[string]string `json:"formData,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
	Bearer      string            `json:"bearer,omitempty"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
	TimeoutSecs int               `json:"timeoutSeconds,omitempty"`
}

func (s *APICallSpec) network() bool { return true }

func (s *APICallSpec) timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s *APICallSpec) validate() error {
	if s.URL == "" {
		return utils.ValidationError("api-call action requires a url")
	}
	if s.Method == "" {
		return utils.ValidationError("api-call action requires a method")
	}
	return nil
}

func (s *APICallSpec) run(ctx context.Context, p *Pipeline, t Target) error {
	endpoint := t.Substitute(s.URL)
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return utils.ValidationError("invalid url: " + endpoint)
	}

	var body io.Reader
	contentType := ""

	switch {
	case len(s.Files) > 0:
		buf := &bytes.Buffer{}
		writer := multipart.NewWriter(buf)

		for field, value := range s.FormData {
			writer.WriteField(field, t.Substitute(value))
		}

		for field, sourcePath := range s.Files {
			resolved, err := t.ResolveSource(sourcePath)
			if err != nil {
				return err
			}
			file, err := os.Open(resolved)
			if err != nil {
				return utils.IOError("failed to open upload file "+resolved, err)
			}
			part, err := writer.CreateFormFile(field, filepath.Base(resolved))
			if err == nil {
				_, err = io.Copy(part, file)
			}
			file.Close()
			if err != nil {
				return utils.IOError("failed to attach upload file", err)
			}
		}

		if err := writer.Close(); err != nil {
			return utils.InternalError("failed to finalize multipart body", err)
		}
		body = buf
		contentType = writer.FormDataContentType()

	case len(s.JSONPayload) > 0:
		body = strings.NewReader(t.Substitute(string(s.JSONPayload)))
		contentType = "application/json"

	case len(s.FormData) > 0:
		values := url.Values{}
		for field, value := range s.FormData {
			values.Set(field, t.Substitute(value))
		}
		body = strings.NewReader(values.Encode())
		contentType = "application/x-www-form-urlencoded"

	case s.Data != "":
		body = strings.NewReader(t.Substitute(s.Data))
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(s.Method), endpoint, body)
	if err != nil {
		return utils.ValidationError("failed to build request: " + err.Error())
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range s.Headers {
		req.Header.Set(key, t.Substitute(value))
	}
	if s.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.Bearer)
	} else if s.Username != "" {
		req.SetBasicAuth(s.Username, s.Password)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return utils.NetworkError("request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return utils.NetworkError(fmt.Sprintf("request returned status %d", resp.StatusCode), nil)
	}
	return nil
}

type WebhookSpec struct {
	URL          string            `json:"url"`
	Method       string            `json:"method,omitempty"`
	Event        string            `json:"event,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	IncludeFiles bool              `json:"includeFiles,omitempty"`
	TimeoutSecs  int               `json:"timeoutSeconds,omitempty"`
}

func (s *WebhookSpec) network() bool { return true }

func (s *WebhookSpec) timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s *WebhookSpec) validate() error {
	if s.URL == "" {
		return utils.ValidationError("webhook action requires a url")
	}
	return nil
}

func (s *WebhookSpec) run(ctx context.Context, p *Pipeline, t Target) error {
	event := s.Event
	if event == "" {
		event = "certificate-renewed"
	}

	envelope := map[string]interface{}{
		"event":       event,
		"name":        t.Name,
		"fingerprint": t.Fingerprint,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"tokens":      t.Tokens,
	}

	if s.IncludeFiles {
		files := make(map[string]string)
		for kind, path := range t.Paths {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if kind == "key" || kind == "p12" || kind == "pfx" {
				continue
			}
			files[kind] = string(data)
		}
		envelope["files"] = files
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return utils.InternalError("failed to marshal webhook payload", err)
	}

	method := s.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), t.Substitute(s.URL), bytes.NewReader(payload))
	if err != nil {
		return utils.ValidationError("failed to build webhook request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.Headers {
		req.Header.Set(key, t.Substitute(value))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return utils.NetworkError("webhook delivery failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return utils.NetworkError(fmt.Sprintf("webhook returned status %d", resp.StatusCode), nil)
	}
	return nil
}
