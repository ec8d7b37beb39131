package crypto

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

// ExtConfig is the OpenSSL-style extension config the renewal path hands to
// the provider. Only the subset the system emits is supported.
type ExtConfig struct {
	CommonName string
	DNSNames   []string
	IPs        []string
	IsCA       bool
	PathLen    *int
}

func (c *ExtConfig) Write(path string) error {
	var b strings.Builder

	b.WriteString("[req]\n")
	b.WriteString("distinguished_name = req_distinguished_name\n")
	b.WriteString("req_extensions = v3_req\n\n")
	b.WriteString("[req_distinguished_name]\n")
	fmt.Fprintf(&b, "CN = %s\n\n", c.CommonName)
	b.WriteString("[v3_req]\n")

	if c.IsCA {
		if c.PathLen != nil {
			fmt.Fprintf(&b, "basicConstraints = critical, CA:TRUE, pathlen:%d\n", *c.PathLen)
		} else {
			b.WriteString("basicConstraints = critical, CA:TRUE\n")
		}
		b.WriteString("keyUsage = critical, keyCertSign, cRLSign\n")
	} else {
		b.WriteString("basicConstraints = CA:FALSE\n")
		b.WriteString("keyUsage = digitalSignature, keyEncipherment\n")
	}

	if len(c.DNSNames) > 0 || len(c.IPs) > 0 {
		b.WriteString("subjectAltName = @alt_names\n\n")
		b.WriteString("[alt_names]\n")
		for i, name := range c.DNSNames {
			fmt.Fprintf(&b, "DNS.%d = %s\n", i+1, name)
		}
		for i, ip := range c.IPs {
			fmt.Fprintf(&b, "IP.%d = %s\n", i+1, ip)
		}
	}

	if err := utils.AtomicWriteFile(path, []byte(b.String()), 0644); err != nil {
		return utils.IOError(fmt.Sprintf("failed to write extension config %s", path), err)
	}
	return nil
}

func ParseExtConfig(path string) (*ExtConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, utils.IOError(fmt.Sprintf("failed to open extension config %s", path), err)
	}
	defer file.Close()

	cfg := &ExtConfig{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case key == "CN":
			cfg.CommonName = value
		case strings.HasPrefix(key, "DNS."):
			cfg.DNSNames = append(cfg.DNSNames, value)
		case strings.HasPrefix(key, "IP."):
			if net.ParseIP(value) == nil {
				return nil, utils.ValidationError(fmt.Sprintf("invalid IP in extension config: %s", value))
			}
			cfg.IPs = append(cfg.IPs, value)
		case key == "basicConstraints":
			cfg.IsCA = strings.Contains(value, "CA:TRUE")
			if idx := strings.Index(value, "pathlen:"); idx >= 0 {
				if n, err := strconv.Atoi(strings.TrimSpace(value[idx+len("pathlen:"):])); err == nil {
					cfg.PathLen = &n
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, utils.IOError("failed to read extension config", err)
	}

	if cfg.CommonName == "" {
		return nil, utils.ValidationError("extension config has no CN")
	}

	return cfg, nil
}
