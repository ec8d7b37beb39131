package certs

import (
	"strings"

	"github.com/cgfm/cert-manager-sub002/internal/crypto"
)

const maxChainDepth = 10

// BuildChain walks issuer links from cert towards a root. Parent resolution
// prefers the Authority Key Identifier, then an exact issuer/subject DN
// match, then the issuer CN appearing in a candidate subject. The walk stops
// at a self-signed certificate, a missing parent, a repeated node or ten
// hops.
func (s *Store) BuildChain(cert *Certificate) []*Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := []*Certificate{cert}
	visited := map[string]bool{cert.Fingerprint: true}

	current := cert
	for len(chain) < maxChainDepth {
		if current.SelfSigned {
			break
		}
		parent := s.findParentLocked(current)
		if parent == nil || parent.Fingerprint == current.Fingerprint || visited[parent.Fingerprint] {
			break
		}
		chain = append(chain, parent)
		visited[parent.Fingerprint] = true
		current = parent
	}

	return chain
}

func (s *Store) findParentLocked(cert *Certificate) *Certificate {
	if cert.AuthorityKeyID != "" {
		for _, candidate := range s.certs {
			if candidate.IsCA && candidate.KeyID != "" && candidate.KeyID == cert.AuthorityKeyID {
				return candidate
			}
		}
	}

	issuer := crypto.NormalizeDN(cert.Issuer)
	for _, candidate := range s.certs {
		if candidate.IsCA && crypto.NormalizeDN(candidate.Subject) == issuer {
			return candidate
		}
	}

	if cert.IssuerCN != "" {
		for _, candidate := range s.certs {
			if candidate.IsCA && strings.Contains(candidate.Subject, cert.IssuerCN) {
				return candidate
			}
		}
	}

	return nil
}

// FindRootCA returns the chain's terminal element when it is a self-signed
// CA, nil otherwise.
func (s *Store) FindRootCA(cert *Certificate) *Certificate {
	chain := s.BuildChain(cert)
	last := chain[len(chain)-1]
	if last.IsCA && last.SelfSigned {
		return last
	}
	return nil
}
