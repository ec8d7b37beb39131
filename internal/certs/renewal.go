package certs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cgfm/cert-manager-sub002/internal/crypto"
	"github.com/cgfm/cert-manager-sub002/internal/deploy"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type RenewOptions struct {
	FromScheduler bool
	ValidityDays  int
	Passphrase    string
	CAPassphrase  string
}

type RenewResult struct {
	Skipped        bool           `json:"skipped"`
	OldFingerprint string         `json:"oldFingerprint"`
	NewFingerprint string         `json:"newFingerprint"`
	ValidTo        time.Time      `json:"validTo"`
	ArchivedFiles  []ArchivedFile `json:"archivedFiles,omitempty"`
	Deploy         *deploy.Result `json:"deploy,omitempty"`
}

// ApplyIdleAndRenew promotes all staged SAN entries by renewing the
// certificate; the new certificate carries active plus staged SANs.
func (s *Store) ApplyIdleAndRenew(ctx context.Context, fingerprint string) (*RenewResult, error) {
	return s.Renew(ctx, fingerprint, RenewOptions{})
}

// Renew replaces the certificate on disk with a freshly signed successor,
// archiving the superseded files and appending a history record. The
// per-certificate mutex is held for the whole sequence; concurrent callers
// get BUSY.
func (s *Store) Renew(ctx context.Context, fingerprint string, opts RenewOptions) (*RenewResult, error) {
	lock, err := s.acquire(fingerprint)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	s.mu.RLock()
	cert, ok := s.certs[fingerprint]
	s.mu.RUnlock()
	if !ok {
		return nil, utils.NotFoundError(fmt.Sprintf("certificate %s not found", fingerprint))
	}

	if opts.FromScheduler && !cert.Config.AutoRenew {
		return &RenewResult{Skipped: true, OldFingerprint: fingerprint, NewFingerprint: fingerprint}, nil
	}

	primary := cert.PrimaryPath()
	if primary == "" {
		return nil, utils.NotFoundError(fmt.Sprintf("certificate %s has no primary file", fingerprint))
	}

	var ca *Certificate
	if cert.Config.SignWithCA {
		ca, err = s.resolveCA(cert)
		if err != nil {
			return nil, err
		}
	}

	days := opts.ValidityDays
	if days <= 0 {
		days = s.config.DefaultValidityDays
	}

	prior := &PreviousVersion{
		Subject:   cert.Subject,
		Issuer:    cert.Issuer,
		ValidFrom: cert.ValidFrom,
		ValidTo:   cert.ValidTo,
	}

	archived, err := s.archiveFiles(cert)
	if err != nil {
		return nil, err
	}
	prior.ArchivedFiles = archived
	s.ignorePaths(archived)

	ext := filepath.Ext(primary)
	stem := strings.TrimSuffix(primary, ext)

	extConfig := &crypto.ExtConfig{
		CommonName: cert.Name,
		DNSNames:   mergeUnique(cert.SANs.Domains, cert.IdleDomains),
		IPs:        mergeUnique(cert.SANs.IPs, cert.IdleIPs),
		IsCA:       cert.IsCA,
		PathLen:    cert.PathLenConstraint,
	}
	extPath := stem + ".ext"
	if err := extConfig.Write(extPath); err != nil {
		return nil, err
	}
	s.ignore(extPath)

	keyPath, passphrase, err := s.ensureKey(cert, stem, opts.Passphrase)
	if err != nil {
		return nil, err
	}

	tempPath := fmt.Sprintf("%s.tmp-%s%s", stem, uuid.New().String()[:8], ext)
	defer os.Remove(tempPath)

	if ca != nil {
		caPassphrase, err := s.caPassphrase(ca, opts.CAPassphrase)
		if err != nil {
			return nil, err
		}
		csrPath := stem + ".csr"
		if err := s.provider.CreateCSR(extPath, keyPath, csrPath, passphrase); err != nil {
			return nil, err
		}
		s.ignore(csrPath)
		caKeyPath, ok := ca.Paths["key"]
		if !ok {
			return nil, utils.ValidationError(fmt.Sprintf("CA %s has no private key on disk", ca.Fingerprint))
		}
		if err := s.provider.SignWithCA(csrPath, ca.PrimaryPath(), caKeyPath, caPassphrase, tempPath, days, extPath); err != nil {
			return nil, err
		}
	} else {
		if err := s.provider.CreateSelfSigned(extPath, keyPath, tempPath, days, passphrase); err != nil {
			return nil, err
		}
	}

	if err := s.validateSigned(tempPath, keyPath, passphrase); err != nil {
		return nil, err
	}

	backup := primary + ".bak"
	if err := utils.CopyFile(primary, backup, 0644); err != nil {
		return nil, utils.IOError(fmt.Sprintf("failed to back up %s", primary), err)
	}
	if err := os.Rename(tempPath, primary); err != nil {
		if restoreErr := utils.CopyFile(backup, primary, 0644); restoreErr != nil {
			s.logger.LogError(restoreErr, "backup restore after failed rename", map[string]interface{}{"path": primary})
		}
		return nil, utils.IOError(fmt.Sprintf("failed to replace %s", primary), err)
	}
	if runtime.GOOS != "windows" {
		os.Chmod(primary, 0644)
	}
	s.ignore(primary)
	s.ignore(backup)

	info, err := s.provider.ParseCertificate(primary)
	if err != nil {
		if restoreErr := s.RestorePrimary(cert); restoreErr != nil {
			s.logger.LogError(restoreErr, "restore after unparseable renewal output", map[string]interface{}{"path": primary})
		}
		return nil, utils.CryptoError("renewed certificate is unparseable", err)
	}

	s.finishRenewal(cert, info, prior, keyPath, extPath)
	s.moveLock(fingerprint, cert.Fingerprint, lock)

	s.logger.LogCertificateEvent("renewed", cert.Fingerprint, map[string]interface{}{
		"name":           cert.Name,
		"oldFingerprint": fingerprint,
		"validTo":        cert.ValidTo.UTC().Format(time.RFC3339),
	})

	result := &RenewResult{
		OldFingerprint: fingerprint,
		NewFingerprint: cert.Fingerprint,
		ValidTo:        cert.ValidTo,
		ArchivedFiles:  archived,
	}

	if len(cert.DeployActions) > 0 {
		deployResult := s.pipeline.Run(ctx, cert.DeployTarget(), cert.DeployActions)
		result.Deploy = &deployResult
	}

	if s.onChange != nil {
		s.onChange(cert)
	}

	return result, nil
}

// finishRenewal refreshes the crypto-derived fields, promotes staged SANs,
// appends the history record and re-indexes the store under the new
// fingerprint.
func (s *Store) finishRenewal(cert *Certificate, info *crypto.CertInfo, prior *PreviousVersion, keyPath, extPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldFingerprint := cert.Fingerprint

	cert.Fingerprint = info.Fingerprint
	cert.Subject = info.Subject
	cert.Issuer = info.Issuer
	cert.IssuerCN = info.IssuerCN
	cert.SerialNumber = info.SerialNumber
	cert.KeyID = info.SubjectKeyID
	cert.AuthorityKeyID = info.AuthorityKeyID
	cert.ValidFrom = info.ValidFrom
	cert.ValidTo = info.ValidTo
	cert.KeyType = info.KeyType
	cert.KeySize = info.KeySize
	cert.SigAlg = info.SignatureAlgorithm
	cert.SelfSigned = info.SelfSigned
	cert.SANs = SANs{Domains: append([]string(nil), info.DNSNames...), IPs: append([]string(nil), info.IPAddresses...)}
	cert.IdleDomains = nil
	cert.IdleIPs = nil

	if cert.Paths == nil {
		cert.Paths = make(map[string]string)
	}
	if utils.FileExists(keyPath) {
		cert.Paths["key"] = keyPath
	}
	if utils.FileExists(extPath) {
		cert.Paths["ext"] = extPath
	}
	csrPath := strings.TrimSuffix(extPath, ".ext") + ".csr"
	if utils.FileExists(csrPath) {
		cert.Paths["csr"] = csrPath
	}

	if cert.PreviousVersions == nil {
		cert.PreviousVersions = make(map[string]*PreviousVersion)
	}
	prior.Version = cert.NextVersion()
	prior.ArchivedAt = time.Now().UTC()
	cert.PreviousVersions[oldFingerprint] = prior

	delete(s.certs, oldFingerprint)
	s.certs[cert.Fingerprint] = cert

	if s.vault.Has(oldFingerprint) {
		if err := s.vault.Rekey(oldFingerprint, cert.Fingerprint); err != nil {
			s.logger.LogError(err, "vault rekey after renewal", map[string]interface{}{"fingerprint": cert.Fingerprint})
		}
	}

	if err := s.saveSidecar(); err != nil {
		s.logger.LogError(err, "sidecar save after renewal", map[string]interface{}{"fingerprint": cert.Fingerprint})
	}
}

func (s *Store) resolveCA(cert *Certificate) (*Certificate, error) {
	if cert.Config.CAFingerprint == "" {
		return nil, utils.CANotFoundError("signWithCA is set but no CA fingerprint is configured")
	}

	s.mu.RLock()
	ca, ok := s.certs[cert.Config.CAFingerprint]
	s.mu.RUnlock()
	if !ok {
		return nil, utils.CANotFoundError(fmt.Sprintf("CA %s not found", cert.Config.CAFingerprint))
	}
	if !ca.IsCA {
		return nil, utils.CANotFoundError(fmt.Sprintf("certificate %s is not a CA", ca.Fingerprint))
	}
	if ca.PrimaryPath() == "" {
		return nil, utils.CANotFoundError(fmt.Sprintf("CA %s has no certificate file on disk", ca.Fingerprint))
	}
	return ca, nil
}

// ensureKey reuses the existing private key when present, generating a fresh
// one otherwise, and resolves the passphrase for encrypted keys.
func (s *Store) ensureKey(cert *Certificate, stem, explicit string) (string, string, error) {
	keyPath, ok := cert.Paths["key"]
	if ok && utils.FileExists(keyPath) {
		encrypted, err := s.provider.IsKeyEncrypted(keyPath)
		if err != nil {
			return "", "", err
		}
		if !encrypted {
			return keyPath, "", nil
		}
		passphrase, err := s.passphraseFor(cert.Fingerprint, explicit)
		if err != nil {
			return "", "", err
		}
		return keyPath, passphrase, nil
	}

	keyPath = stem + ".key"
	if err := s.provider.GenerateKey(keyPath, s.config.DefaultKeySize, false, ""); err != nil {
		return "", "", err
	}
	s.ignore(keyPath)
	return keyPath, "", nil
}

func (s *Store) caPassphrase(ca *Certificate, explicit string) (string, error) {
	caKeyPath, ok := ca.Paths["key"]
	if !ok {
		return "", utils.ValidationError(fmt.Sprintf("CA %s has no private key on disk", ca.Fingerprint))
	}
	encrypted, err := s.provider.IsKeyEncrypted(caKeyPath)
	if err != nil {
		return "", err
	}
	if !encrypted {
		return "", nil
	}
	return s.passphraseFor(ca.Fingerprint, explicit)
}

func (s *Store) passphraseFor(fingerprint, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if s.vault.Has(fingerprint) {
		return s.vault.Get(fingerprint)
	}
	return "", utils.PassphraseRequiredError(fmt.Sprintf("private key of %s is encrypted and no passphrase is available", fingerprint))
}

func (s *Store) validateSigned(path, keyPath, passphrase string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return utils.CryptoError("signing produced no output", err)
	}
	if stat.Size() == 0 {
		return utils.CryptoError("signing produced an empty file", nil)
	}
	info, err := s.provider.ParseCertificate(path)
	if err != nil {
		return utils.CryptoError("signing produced an unparseable certificate", err)
	}
	if info.Subject == "" {
		return utils.CryptoError("signed certificate has no subject", nil)
	}
	match, err := s.provider.VerifyKeyMatch(path, keyPath, passphrase)
	if err != nil {
		return utils.CryptoError("failed to verify the signed certificate against its key", err)
	}
	if !match {
		return utils.CryptoError("signed certificate does not match its private key", nil)
	}
	return nil
}

func (s *Store) ignore(path string) {
	if s.ignorer != nil {
		s.ignorer.Ignore(path)
	}
}

func (s *Store) ignorePaths(archived []ArchivedFile) {
	if s.ignorer == nil {
		return
	}
	for _, file := range archived {
		s.ignorer.Ignore(file.Path)
	}
}
