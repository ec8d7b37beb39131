package certs

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cgfm/cert-manager-sub002/internal/crypto"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

var convertedKinds = map[string]string{
	"pem": "pem",
	"crt": "crt",
	"cer": "cer",
	"der": "der",
	"p12": "p12",
	"pfx": "pfx",
	"p7b": "p7b",
}

// Convert re-emits the certificate in the requested format next to the
// primary file and records the new path.
func (s *Store) Convert(fingerprint, format, password string) (string, error) {
	format = strings.ToLower(format)
	kind, ok := convertedKinds[format]
	if !ok {
		return "", utils.ValidationError(fmt.Sprintf("unsupported target format: %s", format))
	}

	lock, err := s.acquire(fingerprint)
	if err != nil {
		return "", err
	}
	defer lock.Unlock()

	s.mu.RLock()
	cert, exists := s.certs[fingerprint]
	s.mu.RUnlock()
	if !exists {
		return "", utils.NotFoundError(fmt.Sprintf("certificate %s not found", fingerprint))
	}

	primary := cert.PrimaryPath()
	if primary == "" {
		return "", utils.NotFoundError(fmt.Sprintf("certificate %s has no primary file", fingerprint))
	}

	opts := crypto.ConvertOptions{Password: password}
	if format == "p12" || format == "pfx" {
		if password == "" {
			return "", utils.ValidationError("a password is required for PKCS#12 output")
		}
		keyPath, ok := cert.Paths["key"]
		if !ok {
			return "", utils.ValidationError(fmt.Sprintf("certificate %s has no private key for PKCS#12 output", fingerprint))
		}
		opts.KeyPath = keyPath
		if cert.NeedsPassphrase {
			keyPassphrase, err := s.passphraseFor(fingerprint, "")
			if err != nil {
				return "", err
			}
			opts.KeyPassphrase = keyPassphrase
		}
		for _, link := range s.BuildChain(cert)[1:] {
			if path := link.PrimaryPath(); path != "" {
				opts.ChainPaths = append(opts.ChainPaths, path)
			}
		}
	}

	stem := strings.TrimSuffix(primary, filepath.Ext(primary))
	outPath := stem + "." + format

	if err := s.provider.Convert(primary, format, outPath, opts); err != nil {
		return "", err
	}
	s.ignore(outPath)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := cert.AddPath(kind, outPath); err != nil {
		return "", err
	}
	if err := s.saveSidecar(); err != nil {
		return "", err
	}

	return outPath, nil
}
