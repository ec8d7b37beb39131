package certs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cgfm/cert-manager-sub002/internal/deploy"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

const sidecarFilename = "certificates.json"

// sidecarRecord holds the fields that cannot be derived from the X.509 bytes
// on disk. Everything else is re-parsed on load.
type sidecarRecord struct {
	Name             string                      `json:"name,omitempty"`
	Config           Config                      `json:"config"`
	DeployActions    []deploy.Action             `json:"deployActions,omitempty"`
	PreviousVersions map[string]*PreviousVersion `json:"previousVersions,omitempty"`
	IdleDomains      []string                    `json:"idleDomains,omitempty"`
	IdleIPs          []string                    `json:"idleIps,omitempty"`
}

func (s *Store) sidecarPath() string {
	return filepath.Join(s.config.ConfigDir, sidecarFilename)
}

func (s *Store) loadSidecar() (map[string]*sidecarRecord, error) {
	path := s.sidecarPath()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]*sidecarRecord), nil
	}
	if err != nil {
		return nil, utils.IOError(fmt.Sprintf("failed to read sidecar %s", path), err)
	}

	records := make(map[string]*sidecarRecord)
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}

	// Hand-edited sidecars show up with comments and trailing commas; strip
	// them and retry before giving up.
	repaired := repairJSON(data)
	records = make(map[string]*sidecarRecord)
	if err := json.Unmarshal(repaired, &records); err == nil {
		s.logger.Warn("Sidecar required repair, stripped comments and trailing commas")
		return records, nil
	}

	corruptPath := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if copyErr := utils.CopyFile(path, corruptPath, 0600); copyErr == nil {
		s.logger.Warnf("Sidecar is unparseable, preserved original at %s", corruptPath)
	}

	return make(map[string]*sidecarRecord), utils.ConfigError("sidecar is corrupt, starting from defaults", nil)
}

var (
	lineCommentRe   = regexp.MustCompile(`(?m)^\s*//.*$`)
	blockCommentRe  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

func repairJSON(data []byte) []byte {
	data = blockCommentRe.ReplaceAll(data, nil)
	data = lineCommentRe.ReplaceAll(data, nil)
	data = trailingCommaRe.ReplaceAll(data, []byte("$1"))
	return data
}

// saveSidecar rewrites the sidecar atomically. Callers must hold the store's
// write lock.
func (s *Store) saveSidecar() error {
	records := make(map[string]*sidecarRecord, len(s.certs)+len(s.orphans))
	for fingerprint, record := range s.orphans {
		records[fingerprint] = record
	}
	for fingerprint, cert := range s.certs {
		records[fingerprint] = &sidecarRecord{
			Name:             cert.Name,
			Config:           cert.Config,
			DeployActions:    cert.DeployActions,
			PreviousVersions: cert.PreviousVersions,
			IdleDomains:      cert.IdleDomains,
			IdleIPs:          cert.IdleIPs,
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return utils.InternalError("failed to marshal sidecar", err)
	}

	if err := utils.AtomicWriteFile(s.sidecarPath(), data, 0600); err != nil {
		return utils.IOError("failed to write sidecar", err)
	}
	return nil
}

func applySidecar(cert *Certificate, record *sidecarRecord) {
	if record == nil {
		return
	}

	if record.Name != "" {
		cert.Name = record.Name
	}
	cert.Config = record.Config
	cert.DeployActions = record.DeployActions
	if record.PreviousVersions != nil {
		cert.PreviousVersions = record.PreviousVersions
	}

	// Staged entries already present in the live SAN lists are dropped so
	// the idle sets stay disjoint from the active ones.
	for _, domain := range record.IdleDomains {
		if !cert.HasDomain(domain) && !contains(cert.IdleDomains, domain) {
			cert.IdleDomains = append(cert.IdleDomains, domain)
		}
	}
	for _, ip := range record.IdleIPs {
		if !cert.HasIP(ip) && !contains(cert.IdleIPs, ip) {
			cert.IdleIPs = append(cert.IdleIPs, ip)
		}
	}
}
