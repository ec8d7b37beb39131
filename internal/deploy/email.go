package deploy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type EmailSpec struct {
	To          []string `json:"to"`
	Subject     string   `json:"subject,omitempty"`
	Body        string   `json:"body,omitempty"`
	From        string   `json:"from,omitempty"`
	SMTPHost    string   `json:"smtpHost,omitempty"`
	SMTPPort    int      `json:"smtpPort,omitempty"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	UseTLS      *bool    `json:"useTLS,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	TimeoutSecs int      `json:"timeoutSeconds,omitempty"`
}

func (s *EmailSpec) network() bool { return true }

func (s *EmailSpec) timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s *EmailSpec) validate() error {
	if len(s.To) == 0 {
		return utils.ValidationError("email action requires at least one recipient")
	}
	return nil
}

// run sends the notification mail, falling back to the process-wide SMTP
// defaults for any connection field the action leaves empty.
func (s *EmailSpec) run(ctx context.Context, p *Pipeline, t Target) error {
	host := s.SMTPHost
	if host == "" {
		host = p.config.SMTPHost
	}
	if host == "" {
		return utils.ValidationError("email action has no SMTP host and no default is configured")
	}

	port := s.SMTPPort
	if port == 0 {
		port = p.config.SMTPPort
	}

	username := s.Username
	password := s.Password
	if username == "" {
		username = p.config.SMTPUser
		password = p.config.SMTPPassword
	}

	from := s.From
	if from == "" {
		from = p.config.SMTPFrom
	}
	if from == "" {
		from = username
	}
	if from == "" {
		return utils.ValidationError("email action has no sender address")
	}

	useTLS := p.config.SMTPUseTLS
	if s.UseTLS != nil {
		useTLS = *s.UseTLS
	}

	subject := t.Substitute(s.Subject)
	if subject == "" {
		subject = fmt.Sprintf("Certificate %s renewed", t.Name)
	}

	body := t.Substitute(s.Body)
	if body == "" {
		body = fmt.Sprintf("Certificate %s (fingerprint %s) was renewed and is valid until %s.",
			t.Name, t.Fingerprint, t.Tokens["valid_to"])
	}

	message, err := buildMessage(from, s.To, subject, body, s.Attachments, t)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	var client *smtp.Client
	if useTLS {
		client, err = smtp.DialStartTLS(addr, &tls.Config{ServerName: host})
	} else {
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return utils.NetworkError("SMTP connect failed", err)
	}
	defer client.Close()

	if username != "" {
		if err := client.Auth(sasl.NewPlainClient("", username, password)); err != nil {
			return utils.NetworkError("SMTP authentication failed", err)
		}
	}

	if err := client.SendMail(from, s.To, bytes.NewReader(message)); err != nil {
		return utils.NetworkError("SMTP send failed", err)
	}
	return nil
}

func buildMessage(from string, to []string, subject, body string, attachments []string, t Target) ([]byte, error) {
	buf := &bytes.Buffer{}

	fmt.Fprintf(buf, "From: %s\r\n", from)
	fmt.Fprintf(buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(attachments) == 0 {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		buf.WriteString(body)
		buf.WriteString("\r\n")
		return buf.Bytes(), nil
	}

	writer := multipart.NewWriter(buf)
	fmt.Fprintf(buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", writer.Boundary())

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textPart, err := writer.CreatePart(textHeader)
	if err != nil {
		return nil, utils.InternalError("failed to build mail body", err)
	}
	textPart.Write([]byte(body))

	for _, attachment := range attachments {
		resolved, err := t.ResolveSource(attachment)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, utils.IOError("failed to read attachment "+resolved, err)
		}

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/octet-stream")
		header.Set("Content-Transfer-Encoding", "base64")
		header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(resolved)))

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, utils.InternalError("failed to attach file", err)
		}
		part.Write(wrapBase64(data))
	}

	if err := writer.Close(); err != nil {
		return nil, utils.InternalError("failed to finalize mail message", err)
	}
	return buf.Bytes(), nil
}

// wrapBase64 encodes data and folds the output into 76 character lines as
// required by RFC 2045 for the base64 transfer encoding.
func wrapBase64(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)

	buf := &bytes.Buffer{}
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")
	return buf.Bytes()
}
