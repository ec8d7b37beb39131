package certs

import (
	"fmt"
	"strings"
	"time"

	"github.com/cgfm/cert-manager-sub002/internal/deploy"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type CertType string

const (
	TypeRootCA         CertType = "rootCA"
	TypeIntermediateCA CertType = "intermediateCA"
	TypeStandard       CertType = "standard"
)

// PathKinds enumerates the file roles a certificate may own on disk.
var PathKinds = []string{"crt", "key", "csr", "pem", "p12", "pfx", "der", "p7b", "cer", "chain", "fullchain", "ext"}

var primaryExtensions = map[string]bool{".crt": true, ".pem": true, ".cer": true, ".cert": true}

var companionExtensions = map[string]string{
	".key":       "key",
	".csr":       "csr",
	".chain":     "chain",
	".fullchain": "fullchain",
	".p12":       "p12",
	".pfx":       "pfx",
	".der":       "der",
	".p7b":       "p7b",
	".ext":       "ext",
}

type SANs struct {
	Domains []string `json:"domains"`
	IPs     []string `json:"ips"`
}

type Config struct {
	AutoRenew             bool     `json:"autoRenew"`
	RenewDaysBeforeExpiry int      `json:"renewDaysBeforeExpiry"`
	SignWithCA            bool     `json:"signWithCA"`
	CAFingerprint         string   `json:"caFingerprint,omitempty"`
	Description           string   `json:"description,omitempty"`
	Group                 string   `json:"group,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
}

type ArchivedFile struct {
	Type         string `json:"type"`
	Path         string `json:"path"`
	RelativePath string `json:"relativePath"`
}

type PreviousVersion struct {
	Subject       string         `json:"subject"`
	Issuer        string         `json:"issuer"`
	ValidFrom     time.Time      `json:"validFrom"`
	ValidTo       time.Time      `json:"validTo"`
	Version       int            `json:"version"`
	ArchivedAt    time.Time      `json:"archivedAt"`
	ArchivedFiles []ArchivedFile `json:"archivedFiles,omitempty"`
}

// Certificate is the per-certificate state the store tracks. The SHA-256
// fingerprint is the primary key; crypto-derived fields are refreshed from
// disk on every load while user metadata survives in the sidecar.
type Certificate struct {
	Name           string `json:"name"`
	Fingerprint    string `json:"fingerprint"`
	Subject        string `json:"subject"`
	Issuer         string `json:"issuer"`
	IssuerCN       string `json:"issuerCN"`
	SerialNumber   string `json:"serialNumber"`
	KeyID          string `json:"keyId"`
	AuthorityKeyID string `json:"authorityKeyId"`

	ValidFrom time.Time `json:"validFrom"`
	ValidTo   time.Time `json:"validTo"`

	KeyType string `json:"keyType"`
	KeySize int    `json:"keySize"`
	SigAlg  string `json:"sigAlg"`

	CertType          CertType `json:"certType"`
	IsCA              bool     `json:"isCA"`
	PathLenConstraint *int     `json:"pathLenConstraint,omitempty"`
	SelfSigned        bool     `json:"selfSigned"`

	SANs        SANs     `json:"sans"`
	IdleDomains []string `json:"idleDomains,omitempty"`
	IdleIPs     []string `json:"idleIps,omitempty"`

	Paths map[string]string `json:"paths"`

	Config Config `json:"config"`

	DeployActions []deploy.Action `json:"deployActions,omitempty"`

	PreviousVersions map[string]*PreviousVersion `json:"previousVersions,omitempty"`

	NeedsPassphrase bool `json:"needsPassphrase"`
}

func (c *Certificate) DaysUntilExpiry() int {
	return int(time.Until(c.ValidTo).Hours() / 24)
}

func (c *Certificate) IsExpired() bool {
	return time.Now().After(c.ValidTo)
}

func (c *Certificate) PrimaryPath() string {
	for _, kind := range []string{"crt", "pem", "cer"} {
		if path, ok := c.Paths[kind]; ok && path != "" {
			return path
		}
	}
	return ""
}

// AddPath attaches a companion file; the file must exist.
func (c *Certificate) AddPath(kind, path string) error {
	valid := false
	for _, known := range PathKinds {
		if kind == known {
			valid = true
			break
		}
	}
	if !valid {
		return utils.ValidationError(fmt.Sprintf("unknown path kind: %s", kind))
	}

	if !utils.FileExists(path) {
		return utils.ValidationError(fmt.Sprintf("file does not exist: %s", path))
	}

	if c.Paths == nil {
		c.Paths = make(map[string]string)
	}
	c.Paths[kind] = path
	return nil
}

// VerifyPaths drops path entries whose files vanished. Returns true if
// anything was pruned.
func (c *Certificate) VerifyPaths() bool {
	pruned := false
	for kind, path := range c.Paths {
		if !utils.FileExists(path) {
			delete(c.Paths, kind)
			pruned = true
		}
	}
	return pruned
}

func (c *Certificate) HasDomain(domain string) bool {
	return contains(c.SANs.Domains, domain)
}

func (c *Certificate) HasIP(ip string) bool {
	return contains(c.SANs.IPs, ip)
}

// NextVersion returns the version number the next history entry should get.
func (c *Certificate) NextVersion() int {
	max := 0
	for _, prev := range c.PreviousVersions {
		if prev.Version > max {
			max = prev.Version
		}
	}
	return max + 1
}

// History returns previous versions ordered oldest first.
func (c *Certificate) History() []*PreviousVersion {
	history := make([]*PreviousVersion, 0, len(c.PreviousVersions))
	for _, prev := range c.PreviousVersions {
		history = append(history, prev)
	}
	for i := 1; i < len(history); i++ {
		for j := i; j > 0 && history[j-1].Version > history[j].Version; j-- {
			history[j-1], history[j] = history[j], history[j-1]
		}
	}
	return history
}

// Placeholders resolves the token map used by deploy-action substitution.
func (c *Certificate) Placeholders() map[string]string {
	tokens := map[string]string{
		"name":              c.Name,
		"fingerprint":       c.Fingerprint,
		"cert_path":         c.Paths["crt"],
		"key_path":          c.Paths["key"],
		"pem_path":          c.Paths["pem"],
		"p12_path":          c.Paths["p12"],
		"chain_path":        c.Paths["chain"],
		"fullchain_path":    c.Paths["fullchain"],
		"domains":           strings.Join(c.SANs.Domains, ","),
		"valid_from":        c.ValidFrom.UTC().Format(time.RFC3339),
		"valid_to":          c.ValidTo.UTC().Format(time.RFC3339),
		"days_until_expiry": fmt.Sprintf("%d", c.DaysUntilExpiry()),
		"cert_type":         string(c.CertType),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}

	if len(c.SANs.Domains) > 0 {
		tokens["domain"] = c.SANs.Domains[0]
	} else {
		tokens["domain"] = c.Name
	}

	return tokens
}

// DeployTarget builds the value the pipeline consumes.
func (c *Certificate) DeployTarget() deploy.Target {
	paths := make(map[string]string, len(c.Paths))
	for kind, path := range c.Paths {
		paths[kind] = path
	}
	return deploy.Target{
		Name:        c.Name,
		Fingerprint: c.Fingerprint,
		Paths:       paths,
		Tokens:      c.Placeholders(),
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func removeValue(list []string, value string) []string {
	out := list[:0]
	for _, item := range list {
		if item != value {
			out = append(out, item)
		}
	}
	return out
}

// mergeUnique appends items from extra not already in base, preserving order.
func mergeUnique(base, extra []string) []string {
	out := append([]string(nil), base...)
	for _, item := range extra {
		if !contains(out, item) {
			out = append(out, item)
		}
	}
	return out
}
