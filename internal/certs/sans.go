package certs

import (
	"fmt"
	"net"
	"strings"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

func validDomain(domain string) bool {
	if domain == "" || len(domain) > 253 {
		return false
	}
	candidate := strings.TrimPrefix(domain, "*.")
	if candidate == "" || strings.Contains(candidate, "*") {
		return false
	}
	for _, label := range strings.Split(candidate, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
				return false
			}
		}
	}
	return true
}

// AddDomain stages a DNS SAN for the next renewal. Certificates are
// immutable outside a renewal, so staged=false is rejected.
func (s *Store) AddDomain(fingerprint, domain string, staged bool) error {
	if !staged {
		return utils.ValidationError("active SANs can only change through a renewal, stage the entry instead")
	}
	if !validDomain(domain) {
		return utils.ValidationError(fmt.Sprintf("invalid domain: %s", domain))
	}

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
	if cert.HasDomain(domain) {
		return utils.DuplicateError(fmt.Sprintf("domain %s is already active", domain))
	}
	if contains(cert.IdleDomains, domain) {
		return utils.DuplicateError(fmt.Sprintf("domain %s is already staged", domain))
	}

	cert.IdleDomains = append(cert.IdleDomains, domain)
	return s.saveSidecar()
}

// AddIP stages an IP SAN for the next renewal.
func (s *Store) AddIP(fingerprint, ip string, staged bool) error {
	if !staged {
		return utils.ValidationError("active SANs can only change through a renewal, stage the entry instead")
	}
	if net.ParseIP(ip) == nil {
		return utils.ValidationError(fmt.Sprintf("invalid IP address: %s", ip))
	}

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
	if cert.HasIP(ip) {
		return utils.DuplicateError(fmt.Sprintf("IP %s is already active", ip))
	}
	if contains(cert.IdleIPs, ip) {
		return utils.DuplicateError(fmt.Sprintf("IP %s is already staged", ip))
	}

	cert.IdleIPs = append(cert.IdleIPs, ip)
	return s.saveSidecar()
}

// RemoveDomain drops a staged entry, or an active one so the next renewal
// omits it. Active entries reappear on reload until a renewal lands.
func (s *Store) RemoveDomain(fingerprint, domain string) error {
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

	switch {
	case contains(cert.IdleDomains, domain):
		cert.IdleDomains = removeValue(cert.IdleDomains, domain)
	case cert.HasDomain(domain):
		cert.SANs.Domains = removeValue(cert.SANs.Domains, domain)
	default:
		return utils.NotFoundError(fmt.Sprintf("domain %s not present", domain))
	}

	return s.saveSidecar()
}

func (s *Store) RemoveIP(fingerprint, ip string) error {
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

	switch {
	case contains(cert.IdleIPs, ip):
		cert.IdleIPs = removeValue(cert.IdleIPs, ip)
	case cert.HasIP(ip):
		cert.SANs.IPs = removeValue(cert.SANs.IPs, ip)
	default:
		return utils.NotFoundError(fmt.Sprintf("IP %s not present", ip))
	}

	return s.saveSidecar()
}
