package deploy

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type FTPCopySpec struct {
	Host        string `json:"host"`
	Port        int    `json:"port,omitempty"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	TimeoutSecs int    `json:"timeoutSeconds,omitempty"`
}

func (s *FTPCopySpec) network() bool { return true }

func (s *FTPCopySpec) timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s *FTPCopySpec) validate() error {
	if s.Host == "" || s.Source == "" || s.Destination == "" {
		return utils.ValidationError("ftp-copy action requires host, source and destination")
	}
	return nil
}

func (s *FTPCopySpec) run(ctx context.Context, p *Pipeline, t Target) error {
	source, err := t.ResolveSource(s.Source)
	if err != nil {
		return err
	}
	destination := t.Substitute(s.Destination)

	port := s.Port
	if port == 0 {
		port = 21
	}
	addr := net.JoinHostPort(t.Substitute(s.Host), fmt.Sprintf("%d", port))

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx))
	if err != nil {
		return utils.NetworkError("FTP connect failed", err)
	}
	defer conn.Quit()

	username := t.Substitute(s.Username)
	if username == "" {
		username = "anonymous"
	}
	if err := conn.Login(username, s.Password); err != nil {
		return utils.NetworkError("FTP login failed", err)
	}

	if dir := path.Dir(destination); dir != "." && dir != "/" {
		conn.MakeDir(dir)
	}

	local, err := os.Open(source)
	if err != nil {
		return utils.IOError("failed to open source "+source, err)
	}
	defer local.Close()

	if err := conn.Stor(destination, local); err != nil {
		return utils.NetworkError("FTP upload failed", err)
	}

	return nil
}
