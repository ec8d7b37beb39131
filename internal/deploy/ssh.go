package deploy

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type SSHCopySpec struct {
	Host        string `json:"host"`
	Port        int    `json:"port,omitempty"`
	Username    string `json:"username"`
	Password    string `json:"password,omitempty"`
	PrivateKey  string `json:"privateKey,omitempty"`
	Passphrase  string `json:"passphrase,omitempty"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Command     string `json:"command,omitempty"`
	TimeoutSecs int    `json:"timeoutSeconds,omitempty"`
}

func (s *SSHCopySpec) network() bool { return true }

func (s *SSHCopySpec) timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s *SSHCopySpec) validate() error {
	if s.Host == "" || s.Source == "" || s.Destination == "" {
		return utils.ValidationError("ssh-copy action requires host, source and destination")
	}
	if s.Password == "" && s.PrivateKey == "" {
		return utils.ValidationError("ssh-copy action requires a password or private key")
	}
	return nil
}

func (s *SSHCopySpec) run(ctx context.Context, p *Pipeline, t Target) error {
	source, err := t.ResolveSource(s.Source)
	if err != nil {
		return err
	}
	destination := t.Substitute(s.Destination)

	var auth []ssh.AuthMethod
	if s.PrivateKey != "" {
		var signer ssh.Signer
		if s.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(s.PrivateKey), []byte(s.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(s.PrivateKey))
		}
		if err != nil {
			return utils.ValidationError("invalid SSH private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.Password != "" {
		auth = append(auth, ssh.Password(s.Password))
	}

	port := s.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Substitute(s.Host), fmt.Sprintf("%d", port))

	dialTimeout := p.config.NetworkActionTimeout
	if deadline, ok := ctx.Deadline(); ok {
		dialTimeout = time.Until(deadline)
	}
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            t.Substitute(s.Username),
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	})
	if err != nil {
		return utils.NetworkError("SSH connect failed", err)
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return utils.NetworkError("SFTP session failed", err)
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(destination)); err != nil {
		return utils.NetworkError("failed to create remote directory", err)
	}

	local, err := os.Open(source)
	if err != nil {
		return utils.IOError("failed to open source "+source, err)
	}
	defer local.Close()

	remote, err := client.Create(destination)
	if err != nil {
		return utils.NetworkError("failed to create remote file "+destination, err)
	}

	if _, err := io.Copy(remote, local); err != nil {
		remote.Close()
		return utils.NetworkError("SFTP upload failed", err)
	}
	if err := remote.Close(); err != nil {
		return utils.NetworkError("SFTP upload failed", err)
	}

	if s.Command != "" {
		session, err := conn.NewSession()
		if err != nil {
			return utils.NetworkError("failed to open SSH session", err)
		}
		defer session.Close()

		if output, err := session.CombinedOutput(t.Substitute(s.Command)); err != nil {
			return utils.NetworkError(fmt.Sprintf("remote command failed: %s", truncate(string(output), 512)), err)
		}
	}

	return nil
}
