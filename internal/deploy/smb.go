package deploy

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type SMBCopySpec struct {
	Host        string `json:"host"`
	Port        int    `json:"port,omitempty"`
	Share       string `json:"share"`
	Domain      string `json:"domain,omitempty"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	TimeoutSecs int    `json:"timeoutSeconds,omitempty"`
}

func (s *SMBCopySpec) network() bool { return true }

func (s *SMBCopySpec) timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s *SMBCopySpec) validate() error {
	if s.Host == "" || s.Share == "" || s.Source == "" || s.Destination == "" {
		return utils.ValidationError("smb-copy action requires host, share, source and destination")
	}
	return nil
}

func (s *SMBCopySpec) run(ctx context.Context, p *Pipeline, t Target) error {
	source, err := t.ResolveSource(s.Source)
	if err != nil {
		return err
	}
	destination := t.Substitute(s.Destination)

	port := s.Port
	if port == 0 {
		port = 445
	}
	addr := net.JoinHostPort(t.Substitute(s.Host), fmt.Sprintf("%d", port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return utils.NetworkError("SMB connect failed", err)
	}
	defer conn.Close()

	smbDialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     t.Substitute(s.Username),
			Password: s.Password,
			Domain:   s.Domain,
		},
	}

	session, err := smbDialer.DialContext(ctx, conn)
	if err != nil {
		return utils.NetworkError("SMB authentication failed", err)
	}
	defer session.Logoff()

	share, err := session.Mount(t.Substitute(s.Share))
	if err != nil {
		return utils.NetworkError("failed to mount SMB share", err)
	}
	defer share.Umount()

	// SMB paths use backslashes regardless of the local platform.
	remotePath := strings.ReplaceAll(strings.TrimPrefix(destination, "/"), "/", `\`)
	if dir := filepath.Dir(strings.ReplaceAll(remotePath, `\`, "/")); dir != "." {
		share.MkdirAll(strings.ReplaceAll(dir, "/", `\`), 0755)
	}

	local, err := os.Open(source)
	if err != nil {
		return utils.IOError("failed to open source "+source, err)
	}
	defer local.Close()

	remote, err := share.Create(remotePath)
	if err != nil {
		return utils.NetworkError("failed to create remote file "+remotePath, err)
	}

	if _, err := io.Copy(remote, local); err != nil {
		remote.Close()
		return utils.NetworkError("SMB upload failed", err)
	}
	return remote.Close()
}
