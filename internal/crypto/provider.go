package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

// Provider is the narrow contract the lifecycle engine consumes for all
// certificate cryptography. The rest of the system never touches PEM or DER
// directly.
type Provider interface {
	ParseCertificate(path string) (*CertInfo, error)
	GenerateKey(path string, bits int, encrypt bool, passphrase string) error
	CreateSelfSigned(configPath, keyPath, outCertPath string, days int, passphrase string) error
	CreateCSR(configPath, keyPath, outCsrPath string, passphrase string) error
	SignWithCA(csrPath, caCertPath, caKeyPath, caPassphrase, outCertPath string, days int, extConfigPath string) error
	VerifyKeyMatch(certPath, keyPath, passphrase string) (bool, error)
	IsKeyEncrypted(keyPath string) (bool, error)
	Convert(sourceCertPath, format, outPath string, opts ConvertOptions) error
	ValidateCertificateFile(path string) bool
}

type CertInfo struct {
	Fingerprint        string     `json:"fingerprint"`
	Subject            string     `json:"subject"`
	Issuer             string     `json:"issuer"`
	CommonName         string     `json:"commonName"`
	IssuerCN           string     `json:"issuerCN"`
	SerialNumber       string     `json:"serialNumber"`
	ValidFrom          time.Time  `json:"validFrom"`
	ValidTo            time.Time  `json:"validTo"`
	IsCA               bool       `json:"isCA"`
	PathLenConstraint  *int       `json:"pathLenConstraint,omitempty"`
	SelfSigned         bool       `json:"selfSigned"`
	DNSNames           []string   `json:"dnsNames"`
	IPAddresses        []string   `json:"ipAddresses"`
	SubjectKeyID       string     `json:"subjectKeyId"`
	AuthorityKeyID     string     `json:"authorityKeyId"`
	KeyType            string     `json:"keyType"`
	KeySize            int        `json:"keySize"`
	SignatureAlgorithm string     `json:"signatureAlgorithm"`
}

type X509Provider struct {
	logger *utils.Logger
}

func NewX509Provider(logger *utils.Logger) *X509Provider {
	return &X509Provider{logger: logger}
}

func (p *X509Provider) ParseCertificate(path string) (*CertInfo, error) {
	cert, err := readCertificate(path)
	if err != nil {
		return nil, err
	}
	return infoFromCertificate(cert), nil
}

func (p *X509Provider) ValidateCertificateFile(path string) bool {
	_, err := readCertificate(path)
	return err == nil
}

func (p *X509Provider) VerifyKeyMatch(certPath, keyPath, passphrase string) (bool, error) {
	cert, err := readCertificate(certPath)
	if err != nil {
		return false, err
	}

	key, err := loadPrivateKey(keyPath, passphrase)
	if err != nil {
		return false, err
	}

	certPub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return false, utils.CryptoError("failed to marshal certificate public key", err)
	}

	keyPub, err := x509.MarshalPKIXPublicKey(publicKeyOf(key))
	if err != nil {
		return false, utils.CryptoError("failed to marshal private key public part", err)
	}

	return bytes.Equal(certPub, keyPub), nil
}

// readCertificate tolerates PEM and raw DER input.
func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.IOError(fmt.Sprintf("failed to read certificate %s", path), err)
	}
	if len(data) == 0 {
		return nil, utils.CryptoError(fmt.Sprintf("certificate file %s is empty", path), nil)
	}

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, utils.CryptoError(fmt.Sprintf("failed to parse certificate %s", path), err)
			}
			return cert, nil
		}
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, utils.CryptoError(fmt.Sprintf("file %s is neither PEM nor DER certificate", path), err)
	}
	return cert, nil
}

func infoFromCertificate(cert *x509.Certificate) *CertInfo {
	info := &CertInfo{
		Fingerprint:        Fingerprint(cert.Raw),
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		CommonName:         cert.Subject.CommonName,
		IssuerCN:           cert.Issuer.CommonName,
		SerialNumber:       strings.ToUpper(cert.SerialNumber.Text(16)),
		ValidFrom:          cert.NotBefore,
		ValidTo:            cert.NotAfter,
		IsCA:               cert.IsCA,
		DNSNames:           append([]string(nil), cert.DNSNames...),
		SubjectKeyID:       strings.ToUpper(hex.EncodeToString(cert.SubjectKeyId)),
		AuthorityKeyID:     strings.ToUpper(hex.EncodeToString(cert.AuthorityKeyId)),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
	}

	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}

	if cert.IsCA && cert.BasicConstraintsValid && (cert.MaxPathLen > 0 || cert.MaxPathLenZero) {
		pathLen := cert.MaxPathLen
		info.PathLenConstraint = &pathLen
	}

	info.SelfSigned = isSelfSigned(cert)

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		info.KeyType = "RSA"
		info.KeySize = pub.N.BitLen()
	case *ecdsa.PublicKey:
		info.KeyType = "EC"
		info.KeySize = pub.Curve.Params().BitSize
	default:
		if cert.PublicKeyAlgorithm == x509.DSA {
			info.KeyType = "DSA"
		} else {
			info.KeyType = cert.PublicKeyAlgorithm.String()
		}
	}

	return info
}

func isSelfSigned(cert *x509.Certificate) bool {
	if bytes.Equal(cert.RawSubject, cert.RawIssuer) {
		return true
	}
	return NormalizeDN(cert.Subject.String()) == NormalizeDN(cert.Issuer.String())
}

// NormalizeDN sorts DN components by key so that attribute ordering does not
// affect subject/issuer comparison.
func NormalizeDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Fingerprint renders the SHA-256 digest of DER bytes as uppercase hex with
// no separators.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
