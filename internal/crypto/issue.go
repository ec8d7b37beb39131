package crypto

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

func (p *X509Provider) CreateSelfSigned(configPath, keyPath, outCertPath string, days int, passphrase string) error {
	cfg, err := ParseExtConfig(configPath)
	if err != nil {
		return err
	}

	key, err := loadPrivateKey(keyPath, passphrase)
	if err != nil {
		return err
	}

	template, err := templateFromExtConfig(cfg, days)
	if err != nil {
		return err
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return utils.CryptoError("failed to create self-signed certificate", err)
	}

	return writeCertPEM(outCertPath, der)
}

func (p *X509Provider) CreateCSR(configPath, keyPath, outCsrPath string, passphrase string) error {
	cfg, err := ParseExtConfig(configPath)
	if err != nil {
		return err
	}

	key, err := loadPrivateKey(keyPath, passphrase)
	if err != nil {
		return err
	}

	ips, err := parseIPs(cfg.IPs)
	if err != nil {
		return err
	}

	template := &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: cfg.CommonName},
		DNSNames:    cfg.DNSNames,
		IPAddresses: ips,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return utils.CryptoError("failed to create CSR", err)
	}

	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	if err := utils.AtomicWriteFile(outCsrPath, data, 0644); err != nil {
		return utils.IOError(fmt.Sprintf("failed to write CSR %s", outCsrPath), err)
	}
	return nil
}

func (p *X509Provider) SignWithCA(csrPath, caCertPath, caKeyPath, caPassphrase, outCertPath string, days int, extConfigPath string) error {
	csr, err := readCSR(csrPath)
	if err != nil {
		return err
	}
	if err := csr.CheckSignature(); err != nil {
		return utils.CryptoError("CSR signature check failed", err)
	}

	caCert, err := readCertificate(caCertPath)
	if err != nil {
		return err
	}
	if !caCert.IsCA {
		return utils.ValidationError("signing certificate is not a CA")
	}

	caKey, err := loadPrivateKey(caKeyPath, caPassphrase)
	if err != nil {
		return err
	}

	cfg, err := ParseExtConfig(extConfigPath)
	if err != nil {
		return err
	}

	template, err := templateFromExtConfig(cfg, days)
	if err != nil {
		return err
	}
	template.Subject = csr.Subject

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caKey)
	if err != nil {
		return utils.CryptoError("failed to sign certificate with CA", err)
	}

	return writeCertPEM(outCertPath, der)
}

func templateFromExtConfig(cfg *ExtConfig, days int) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, utils.CryptoError("failed to generate serial number", err)
	}

	ips, err := parseIPs(cfg.IPs)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cfg.CommonName},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, days),
		BasicConstraintsValid: true,
		DNSNames:              cfg.DNSNames,
		IPAddresses:           ips,
	}

	if cfg.IsCA {
		template.IsCA = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		if cfg.PathLen != nil {
			template.MaxPathLen = *cfg.PathLen
			template.MaxPathLenZero = *cfg.PathLen == 0
		} else {
			template.MaxPathLen = -1
		}
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}

	return template, nil
}

func parseIPs(values []string) ([]net.IP, error) {
	var ips []net.IP
	for _, value := range values {
		ip := net.ParseIP(value)
		if ip == nil {
			return nil, utils.ValidationError(fmt.Sprintf("invalid IP address: %s", value))
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

func readCSR(path string) (*x509.CertificateRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.IOError(fmt.Sprintf("failed to read CSR %s", path), err)
	}

	block, _ := pem.Decode(data)
	der := data
	if block != nil {
		der = block.Bytes
	}

	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, utils.CryptoError(fmt.Sprintf("failed to parse CSR %s", path), err)
	}
	return csr, nil
}

func writeCertPEM(path string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := utils.AtomicWriteFile(path, data, 0644); err != nil {
		return utils.IOError(fmt.Sprintf("failed to write certificate %s", path), err)
	}
	return nil
}
