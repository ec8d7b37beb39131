package certs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cgfm/cert-manager-sub002/internal/crypto"
	"github.com/cgfm/cert-manager-sub002/internal/deploy"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
	"github.com/cgfm/cert-manager-sub002/internal/vault"
)

var excludedDirs = map[string]bool{"backups": true, "archive": true, "node_modules": true}

// PathIgnorer is the slice of the scheduler's ignore list the store needs:
// archival registers freshly written files so the watcher does not re-import
// them.
type PathIgnorer interface {
	Ignore(path string)
}

type parseCacheEntry struct {
	modTime time.Time
	size    int64
	info    *crypto.CertInfo
}

// Store is the fingerprint-indexed registry of known certificates. Lookups
// take the read lock; insertions, deletions and the sidecar rewrite take the
// write lock. Each certificate additionally carries a dedicated mutex that
// serializes renewals, config updates and deletes across the scheduler, the
// watcher and the HTTP surface.
type Store struct {
	mu      sync.RWMutex
	certs   map[string]*Certificate
	orphans map[string]*sidecarRecord

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	cacheMu sync.Mutex
	cache   map[string]parseCacheEntry

	provider crypto.Provider
	vault    *vault.Vault
	pipeline *deploy.Pipeline
	config   *utils.Config
	logger   *utils.Logger

	ignorer  PathIgnorer
	onChange func(*Certificate)
}

func NewStore(config *utils.Config, logger *utils.Logger, provider crypto.Provider, v *vault.Vault, pipeline *deploy.Pipeline) *Store {
	return &Store{
		certs:    make(map[string]*Certificate),
		orphans:  make(map[string]*sidecarRecord),
		locks:    make(map[string]*sync.Mutex),
		cache:    make(map[string]parseCacheEntry),
		provider: provider,
		vault:    v,
		pipeline: pipeline,
		config:   config,
		logger:   logger,
	}
}

func (s *Store) SetIgnorer(ignorer PathIgnorer) {
	s.ignorer = ignorer
}

// SetOnChange registers the optional observer invoked after a successful
// renewal replaces a certificate.
func (s *Store) SetOnChange(fn func(*Certificate)) {
	s.onChange = fn
}

func (s *Store) certLock(fingerprint string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	lock, ok := s.locks[fingerprint]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[fingerprint] = lock
	}
	return lock
}

// acquire takes the per-certificate mutex or fails fast with BUSY.
func (s *Store) acquire(fingerprint string) (*sync.Mutex, error) {
	lock := s.certLock(fingerprint)
	if !lock.TryLock() {
		return nil, utils.BusyError(fmt.Sprintf("certificate %s is busy", fingerprint))
	}
	return lock, nil
}

// moveLock re-keys the per-certificate mutex after a renewal changed the
// fingerprint. The caller still holds the lock.
func (s *Store) moveLock(oldFingerprint, newFingerprint string, lock *sync.Mutex) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	delete(s.locks, oldFingerprint)
	s.locks[newFingerprint] = lock
}

// Load scans the certificates directory, reconciles it with the sidecar and
// replaces the in-memory index. A parse failure on one file never fails the
// whole load. When hintPath names a single file and no refresh is forced,
// only that file is (re)parsed and merged.
func (s *Store) Load(forceRefresh bool, hintPath string) error {
	if forceRefresh {
		s.cacheMu.Lock()
		s.cache = make(map[string]parseCacheEntry)
		s.cacheMu.Unlock()
	}

	if hintPath != "" && !forceRefresh {
		return s.loadOne(hintPath)
	}

	sidecar, sidecarErr := s.loadSidecar()
	if sidecarErr != nil {
		s.logger.LogError(sidecarErr, "sidecar load", nil)
	}

	discovered := make(map[string]*Certificate)
	err := filepath.WalkDir(s.config.CertsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != s.config.CertsDir && (excludedDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !primaryExtensions[strings.ToLower(filepath.Ext(name))] {
			return nil
		}

		cert, err := s.buildFromFile(path)
		if err != nil {
			s.logger.WithField("path", path).Warnf("Skipping unparseable certificate file: %v", err)
			return nil
		}

		if existing, ok := discovered[cert.Fingerprint]; ok {
			mergeDuplicate(existing, cert)
		} else {
			discovered[cert.Fingerprint] = cert
		}
		return nil
	})
	if err != nil {
		return utils.IOError("failed to scan certificates directory", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for fingerprint, cert := range discovered {
		record := sidecar[fingerprint]
		if record == nil {
			if prev, ok := s.certs[fingerprint]; ok {
				record = recordFromCert(prev)
			}
		}
		applySidecar(cert, record)
		if cert.Config.RenewDaysBeforeExpiry == 0 {
			cert.Config.RenewDaysBeforeExpiry = s.config.DefaultRenewDays
		}
		cert.VerifyPaths()
		delete(sidecar, fingerprint)
	}

	s.certs = discovered
	s.orphans = sidecar

	if err := s.saveSidecar(); err != nil {
		s.logger.LogError(err, "sidecar save after load", nil)
	}

	return nil
}

func (s *Store) loadOne(path string) error {
	cert, err := s.buildFromFile(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.certs[cert.Fingerprint]; ok {
		mergeDuplicate(existing, cert)
		return nil
	}

	// An external rewrite of a known file changes the fingerprint; carry the
	// old record's metadata over and drop the stale index entry.
	for fingerprint, known := range s.certs {
		if known.PrimaryPath() == path {
			applySidecar(cert, recordFromCert(known))
			delete(s.certs, fingerprint)
			break
		}
	}

	if record, ok := s.orphans[cert.Fingerprint]; ok {
		applySidecar(cert, record)
		delete(s.orphans, cert.Fingerprint)
	}
	if cert.Config.RenewDaysBeforeExpiry == 0 {
		cert.Config.RenewDaysBeforeExpiry = s.config.DefaultRenewDays
	}

	s.certs[cert.Fingerprint] = cert
	return s.saveSidecar()
}

// buildFromFile parses a primary certificate file and locates its companions
// by filename stem in the same directory.
func (s *Store) buildFromFile(path string) (*Certificate, error) {
	info, err := s.parseWithCache(path)
	if err != nil {
		return nil, err
	}

	cert := certFromInfo(info)

	ext := filepath.Ext(path)
	cert.Paths = map[string]string{primaryKind(ext): path}

	stem := strings.TrimSuffix(path, ext)
	for compExt, kind := range companionExtensions {
		if _, taken := cert.Paths[kind]; taken {
			continue
		}
		candidate := stem + compExt
		if utils.FileExists(candidate) {
			cert.Paths[kind] = candidate
		}
	}

	if cert.Name == "" {
		cert.Name = filepath.Base(stem)
	}

	if keyPath, ok := cert.Paths["key"]; ok {
		if encrypted, err := s.provider.IsKeyEncrypted(keyPath); err == nil {
			cert.NeedsPassphrase = encrypted
		}
	}

	return cert, nil
}

func primaryKind(ext string) string {
	switch strings.ToLower(ext) {
	case ".pem":
		return "pem"
	case ".cer":
		return "cer"
	default:
		return "crt"
	}
}

func certFromInfo(info *crypto.CertInfo) *Certificate {
	cert := &Certificate{
		Name:             info.CommonName,
		Fingerprint:      info.Fingerprint,
		Subject:          info.Subject,
		Issuer:           info.Issuer,
		IssuerCN:         info.IssuerCN,
		SerialNumber:     info.SerialNumber,
		KeyID:            info.SubjectKeyID,
		AuthorityKeyID:   info.AuthorityKeyID,
		ValidFrom:        info.ValidFrom,
		ValidTo:          info.ValidTo,
		KeyType:          info.KeyType,
		KeySize:          info.KeySize,
		SigAlg:           info.SignatureAlgorithm,
		IsCA:             info.IsCA,
		SelfSigned:       info.SelfSigned,
		SANs:             SANs{Domains: append([]string(nil), info.DNSNames...), IPs: append([]string(nil), info.IPAddresses...)},
		PreviousVersions: make(map[string]*PreviousVersion),
	}

	if info.PathLenConstraint != nil {
		pathLen := *info.PathLenConstraint
		cert.PathLenConstraint = &pathLen
	}

	switch {
	case info.IsCA && info.SelfSigned:
		cert.CertType = TypeRootCA
	case info.IsCA:
		cert.CertType = TypeIntermediateCA
	default:
		cert.CertType = TypeStandard
	}

	return cert
}

func (s *Store) parseWithCache(path string) (*crypto.CertInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, utils.IOError(fmt.Sprintf("failed to stat %s", path), err)
	}

	s.cacheMu.Lock()
	entry, ok := s.cache[path]
	s.cacheMu.Unlock()
	if ok && entry.modTime.Equal(stat.ModTime()) && entry.size == stat.Size() {
		return entry.info, nil
	}

	info, err := s.provider.ParseCertificate(path)
	if err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	s.cache[path] = parseCacheEntry{modTime: stat.ModTime(), size: stat.Size(), info: info}
	s.cacheMu.Unlock()

	return info, nil
}

// mergeDuplicate folds a second record with the same fingerprint into the
// first. Crypto-derived fields are identical by construction; extra paths
// are the only thing to pick up.
func mergeDuplicate(existing, duplicate *Certificate) {
	for kind, path := range duplicate.Paths {
		if _, ok := existing.Paths[kind]; !ok {
			existing.Paths[kind] = path
		}
	}
	if duplicate.NeedsPassphrase {
		existing.NeedsPassphrase = true
	}
}

func recordFromCert(cert *Certificate) *sidecarRecord {
	return &sidecarRecord{
		Name:             cert.Name,
		Config:           cert.Config,
		DeployActions:    cert.DeployActions,
		PreviousVersions: cert.PreviousVersions,
		IdleDomains:      cert.IdleDomains,
		IdleIPs:          cert.IdleIPs,
	}
}

func (s *Store) Get(fingerprint string) (*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, ok := s.certs[fingerprint]
	if !ok {
		return nil, utils.NotFoundError(fmt.Sprintf("certificate %s not found", fingerprint))
	}
	return cert, nil
}

func (s *Store) GetAll() []*Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Certificate, 0, len(s.certs))
	for _, cert := range s.certs {
		all = append(all, cert)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.certs)
}

// FindByPath returns the certificate owning the given file, if any.
func (s *Store) FindByPath(path string) *Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cert := range s.certs {
		for _, certPath := range cert.Paths {
			if certPath == path {
				return cert
			}
		}
	}
	return nil
}

// AttachCompanion attaches a freshly appeared companion file to the
// certificate sharing its filename stem. Returns the owning fingerprint.
func (s *Store) AttachCompanion(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	kind, ok := companionExtensions[ext]
	if !ok {
		return "", utils.ValidationError(fmt.Sprintf("not a companion file: %s", path))
	}

	stem := strings.TrimSuffix(path, filepath.Ext(path))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cert := range s.certs {
		primary := cert.PrimaryPath()
		if primary == "" {
			continue
		}
		if strings.TrimSuffix(primary, filepath.Ext(primary)) != stem {
			continue
		}
		if kind == "key" {
			encrypted, err := s.provider.IsKeyEncrypted(path)
			if err == nil && !encrypted {
				match, verr := s.provider.VerifyKeyMatch(primary, path, "")
				if verr != nil || !match {
					return "", utils.ValidationError(fmt.Sprintf("key %s does not match certificate %s", path, cert.Fingerprint))
				}
			}
			if err == nil {
				cert.NeedsPassphrase = encrypted
			}
		}
		if err := cert.AddPath(kind, path); err != nil {
			return "", err
		}
		return cert.Fingerprint, s.saveSidecar()
	}

	return "", utils.NotFoundError(fmt.Sprintf("no certificate matches companion %s", path))
}

// Delete removes the record, its files on disk and its archive subtree.
func (s *Store) Delete(fingerprint string) error {
	lock, err := s.acquire(fingerprint)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	s.mu.Lock()
	cert, ok := s.certs[fingerprint]
	if !ok {
		s.mu.Unlock()
		return utils.NotFoundError(fmt.Sprintf("certificate %s not found", fingerprint))
	}
	delete(s.certs, fingerprint)
	saveErr := s.saveSidecar()
	s.mu.Unlock()

	for _, path := range cert.Paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.WithField("path", path).Warnf("Failed to remove file: %v", err)
		}
		os.Remove(path + ".bak")
	}

	archiveDir := filepath.Join(s.config.CertsDir, "archive", utils.SanitizeFilename(cert.Name))
	if err := os.RemoveAll(archiveDir); err != nil {
		s.logger.WithField("path", archiveDir).Warnf("Failed to remove archive: %v", err)
	}

	if s.vault.Has(fingerprint) {
		s.vault.Delete(fingerprint)
	}

	s.logger.LogCertificateEvent("deleted", fingerprint, map[string]interface{}{"name": cert.Name})
	return saveErr
}

type ConfigPatch struct {
	Name                  *string  `json:"name,omitempty"`
	AutoRenew             *bool    `json:"autoRenew,omitempty"`
	RenewDaysBeforeExpiry *int     `json:"renewDaysBeforeExpiry,omitempty"`
	SignWithCA            *bool    `json:"signWithCA,omitempty"`
	CAFingerprint         *string  `json:"caFingerprint,omitempty"`
	Description           *string  `json:"description,omitempty"`
	Group                 *string  `json:"group,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
	DeployActions         []deploy.Action
}

// UpdateConfig merges the patch into the certificate's user metadata and
// persists the sidecar.
func (s *Store) UpdateConfig(fingerprint string, patch ConfigPatch) (*Certificate, error) {
	lock, err := s.acquire(fingerprint)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certs[fingerprint]
	if !ok {
		return nil, utils.NotFoundError(fmt.Sprintf("certificate %s not found", fingerprint))
	}

	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, utils.ValidationError("name cannot be empty")
		}
		cert.Name = *patch.Name
	}
	if patch.AutoRenew != nil {
		cert.Config.AutoRenew = *patch.AutoRenew
	}
	if patch.RenewDaysBeforeExpiry != nil {
		if *patch.RenewDaysBeforeExpiry < 1 {
			return nil, utils.ValidationError("renewDaysBeforeExpiry must be positive")
		}
		cert.Config.RenewDaysBeforeExpiry = *patch.RenewDaysBeforeExpiry
	}
	if patch.SignWithCA != nil {
		cert.Config.SignWithCA = *patch.SignWithCA
	}
	if patch.CAFingerprint != nil {
		if *patch.CAFingerprint != "" {
			ca, ok := s.certs[*patch.CAFingerprint]
			if !ok {
				return nil, utils.CANotFoundError(fmt.Sprintf("CA %s not found", *patch.CAFingerprint))
			}
			if !ca.IsCA {
				return nil, utils.ValidationError(fmt.Sprintf("certificate %s is not a CA", *patch.CAFingerprint))
			}
		}
		cert.Config.CAFingerprint = *patch.CAFingerprint
	}
	if patch.Description != nil {
		cert.Config.Description = *patch.Description
	}
	if patch.Group != nil {
		cert.Config.Group = *patch.Group
	}
	if patch.Tags != nil {
		cert.Config.Tags = patch.Tags
	}
	if patch.DeployActions != nil {
		for _, action := range patch.DeployActions {
			if err := action.Validate(); err != nil {
				return nil, err
			}
		}
		cert.DeployActions = patch.DeployActions
	}

	if err := s.saveSidecar(); err != nil {
		return nil, err
	}
	return cert, nil
}

// ReorderDeployActions permutes the action list by the given permutation of
// original indices.
func (s *Store) ReorderDeployActions(fingerprint string, order []int) error {
	lock, err := s.acquire(fingerprint)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certs[fingerprint]
	if !ok {
		return utils.NotFoundError(fmt.Sprintf("certificate %s not found", fingerprint))
	}

	if len(order) != len(cert.DeployActions) {
		return utils.ValidationError(fmt.Sprintf("order has %d entries, expected %d", len(order), len(cert.DeployActions)))
	}

	seen := make(map[int]bool, len(order))
	reordered := make([]deploy.Action, len(order))
	for position, index := range order {
		if index < 0 || index >= len(cert.DeployActions) || seen[index] {
			return utils.ValidationError("order is not a permutation of action indices")
		}
		seen[index] = true
		reordered[position] = cert.DeployActions[index]
	}

	cert.DeployActions = reordered
	return s.saveSidecar()
}

// RunDeployActions executes the certificate's pipeline outside of a renewal,
// e.g. after an external rewrite of the primary file.
func (s *Store) RunDeployActions(ctx context.Context, fingerprint string) (*deploy.Result, error) {
	lock, err := s.acquire(fingerprint)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	s.mu.RLock()
	cert, ok := s.certs[fingerprint]
	if !ok {
		s.mu.RUnlock()
		return nil, utils.NotFoundError(fmt.Sprintf("certificate %s not found", fingerprint))
	}
	target := cert.DeployTarget()
	actions := append([]deploy.Action(nil), cert.DeployActions...)
	s.mu.RUnlock()

	result := s.pipeline.Run(ctx, target, actions)
	return &result, nil
}

func (s *Store) StorePassphrase(fingerprint, passphrase string) error {
	if _, err := s.Get(fingerprint); err != nil {
		return err
	}
	return s.vault.Store(fingerprint, passphrase)
}

func (s *Store) DeletePassphrase(fingerprint string) error {
	if _, err := s.Get(fingerprint); err != nil {
		return err
	}
	return s.vault.Delete(fingerprint)
}

func (s *Store) HasPassphrase(fingerprint string) bool {
	return s.vault.Has(fingerprint)
}

type FileDescriptor struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func (s *Store) GetFiles(fingerprint string) ([]FileDescriptor, error) {
	cert, err := s.Get(fingerprint)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]FileDescriptor, 0, len(cert.Paths))
	for kind, path := range cert.Paths {
		stat, err := os.Stat(path)
		if err != nil {
			continue
		}
		files = append(files, FileDescriptor{Type: kind, Path: path, Size: stat.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Type < files[j].Type })
	return files, nil
}

func (s *Store) History(fingerprint string) ([]*PreviousVersion, error) {
	cert, err := s.Get(fingerprint)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return cert.History(), nil
}
