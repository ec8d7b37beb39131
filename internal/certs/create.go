package certs

import (
	"fmt"
	"net"
	"path/filepath"

	"github.com/cgfm/cert-manager-sub002/internal/crypto"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type CreateRequest struct {
	Name              string   `json:"name"`
	Domains           []string `json:"domains,omitempty"`
	IPs               []string `json:"ips,omitempty"`
	CertType          CertType `json:"certType,omitempty"`
	PathLenConstraint *int     `json:"pathLenConstraint,omitempty"`
	SignWithCA        bool     `json:"signWithCA,omitempty"`
	CAFingerprint     string   `json:"caFingerprint,omitempty"`
	CAPassphrase      string   `json:"caPassphrase,omitempty"`
	AutoRenew         bool     `json:"autoRenew,omitempty"`
	ValidityDays      int      `json:"validityDays,omitempty"`
	KeySize           int      `json:"keySize,omitempty"`
	Passphrase        string   `json:"passphrase,omitempty"`
}

func (r *CreateRequest) setDefaults(config *utils.Config) {
	if r.CertType == "" {
		r.CertType = TypeStandard
	}
	if r.ValidityDays <= 0 {
		r.ValidityDays = config.DefaultValidityDays
	}
	if r.KeySize <= 0 {
		r.KeySize = config.DefaultKeySize
	}
}

func (r *CreateRequest) validate() error {
	if r.Name == "" {
		return utils.ValidationError("name is required")
	}
	switch r.CertType {
	case TypeRootCA, TypeIntermediateCA, TypeStandard:
	default:
		return utils.ValidationError(fmt.Sprintf("unknown certificate type: %s", r.CertType))
	}
	if r.CertType == TypeRootCA && r.SignWithCA {
		return utils.ValidationError("a root CA is self-signed, signWithCA does not apply")
	}
	if r.CertType == TypeIntermediateCA && !r.SignWithCA {
		return utils.ValidationError("an intermediate CA must be signed by a parent CA")
	}
	if r.SignWithCA && r.CAFingerprint == "" {
		return utils.CANotFoundError("signWithCA is set but no CA fingerprint is given")
	}
	for _, domain := range r.Domains {
		if !validDomain(domain) {
			return utils.ValidationError(fmt.Sprintf("invalid domain: %s", domain))
		}
	}
	for _, ip := range r.IPs {
		if net.ParseIP(ip) == nil {
			return utils.ValidationError(fmt.Sprintf("invalid IP address: %s", ip))
		}
	}
	return nil
}

// Create issues a new certificate with a fresh key, writes its files into
// the certificates directory and registers it in the store.
func (s *Store) Create(req CreateRequest) (*Certificate, error) {
	req.setDefaults(s.config)
	if err := req.validate(); err != nil {
		return nil, err
	}

	var ca *Certificate
	if req.SignWithCA {
		s.mu.RLock()
		candidate, ok := s.certs[req.CAFingerprint]
		s.mu.RUnlock()
		if !ok {
			return nil, utils.CANotFoundError(fmt.Sprintf("CA %s not found", req.CAFingerprint))
		}
		if !candidate.IsCA {
			return nil, utils.CANotFoundError(fmt.Sprintf("certificate %s is not a CA", req.CAFingerprint))
		}
		ca = candidate
	}

	stem := filepath.Join(s.config.CertsDir, utils.SanitizeFilename(req.Name))
	crtPath := stem + ".crt"
	keyPath := stem + ".key"
	extPath := stem + ".ext"

	if utils.FileExists(crtPath) || utils.FileExists(keyPath) {
		return nil, utils.DuplicateError(fmt.Sprintf("files for %q already exist", req.Name))
	}

	isCA := req.CertType == TypeRootCA || req.CertType == TypeIntermediateCA
	extConfig := &crypto.ExtConfig{
		CommonName: req.Name,
		DNSNames:   req.Domains,
		IPs:        req.IPs,
		IsCA:       isCA,
		PathLen:    req.PathLenConstraint,
	}
	if err := extConfig.Write(extPath); err != nil {
		return nil, err
	}
	s.ignore(extPath)

	encrypt := req.Passphrase != ""
	if err := s.provider.GenerateKey(keyPath, req.KeySize, encrypt, req.Passphrase); err != nil {
		return nil, err
	}
	s.ignore(keyPath)

	if ca != nil {
		caPassphrase, err := s.caPassphrase(ca, req.CAPassphrase)
		if err != nil {
			return nil, err
		}
		csrPath := stem + ".csr"
		if err := s.provider.CreateCSR(extPath, keyPath, csrPath, req.Passphrase); err != nil {
			return nil, err
		}
		s.ignore(csrPath)
		caKeyPath := ca.Paths["key"]
		if err := s.provider.SignWithCA(csrPath, ca.PrimaryPath(), caKeyPath, caPassphrase, crtPath, req.ValidityDays, extPath); err != nil {
			return nil, err
		}
	} else {
		if err := s.provider.CreateSelfSigned(extPath, keyPath, crtPath, req.ValidityDays, req.Passphrase); err != nil {
			return nil, err
		}
	}
	s.ignore(crtPath)

	cert, err := s.buildFromFile(crtPath)
	if err != nil {
		return nil, err
	}
	cert.Name = req.Name
	cert.Config = Config{
		AutoRenew:             req.AutoRenew,
		RenewDaysBeforeExpiry: s.config.DefaultRenewDays,
		SignWithCA:            req.SignWithCA,
		CAFingerprint:         req.CAFingerprint,
	}

	s.mu.Lock()
	if _, exists := s.certs[cert.Fingerprint]; exists {
		s.mu.Unlock()
		return nil, utils.DuplicateError(fmt.Sprintf("certificate %s already registered", cert.Fingerprint))
	}
	s.certs[cert.Fingerprint] = cert
	saveErr := s.saveSidecar()
	s.mu.Unlock()
	if saveErr != nil {
		return nil, saveErr
	}

	if encrypt {
		if err := s.vault.Store(cert.Fingerprint, req.Passphrase); err != nil {
			s.logger.LogError(err, "vault store after create", map[string]interface{}{"fingerprint": cert.Fingerprint})
		}
	}

	s.logger.LogCertificateEvent("created", cert.Fingerprint, map[string]interface{}{
		"name": cert.Name,
		"type": string(cert.CertType),
	})

	return cert, nil
}
