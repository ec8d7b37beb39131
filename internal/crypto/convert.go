package crypto

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/smallstep/pkcs7"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type ConvertOptions struct {
	Password      string
	KeyPath       string
	KeyPassphrase string
	ChainPaths    []string
}

// Convert re-parses the source and re-emits it in the target format. The
// input is never copied verbatim, so line endings and headers come out
// canonical regardless of how the source file was produced.
func (p *X509Provider) Convert(sourceCertPath, format, outPath string, opts ConvertOptions) error {
	cert, err := readCertificate(sourceCertPath)
	if err != nil {
		return err
	}

	switch strings.ToLower(format) {
	case "pem", "crt", "cer":
		return writeCertPEM(outPath, cert.Raw)

	case "der":
		if err := utils.AtomicWriteFile(outPath, cert.Raw, 0644); err != nil {
			return utils.IOError(fmt.Sprintf("failed to write DER %s", outPath), err)
		}
		return nil

	case "p12", "pfx":
		if opts.Password == "" {
			return utils.ValidationError("PKCS#12 output requires a password")
		}
		if opts.KeyPath == "" {
			return utils.ValidationError("PKCS#12 output requires the private key")
		}

		key, err := loadPrivateKey(opts.KeyPath, opts.KeyPassphrase)
		if err != nil {
			return err
		}

		caCerts, err := readChain(opts.ChainPaths)
		if err != nil {
			return err
		}

		data, err := pkcs12.Modern.Encode(key, cert, caCerts, opts.Password)
		if err != nil {
			return utils.CryptoError("failed to encode PKCS#12", err)
		}
		if err := utils.AtomicWriteFile(outPath, data, 0600); err != nil {
			return utils.IOError(fmt.Sprintf("failed to write PKCS#12 %s", outPath), err)
		}
		return nil

	case "p7b":
		bundle := cert.Raw
		for _, chainPath := range opts.ChainPaths {
			chainCert, err := readCertificate(chainPath)
			if err != nil {
				return err
			}
			bundle = append(bundle, chainCert.Raw...)
		}

		data, err := pkcs7.DegenerateCertificate(bundle)
		if err != nil {
			return utils.CryptoError("failed to encode PKCS#7", err)
		}
		out := pem.EncodeToMemory(&pem.Block{Type: "PKCS7", Bytes: data})
		if err := utils.AtomicWriteFile(outPath, out, 0644); err != nil {
			return utils.IOError(fmt.Sprintf("failed to write PKCS#7 %s", outPath), err)
		}
		return nil

	default:
		return utils.ValidationError(fmt.Sprintf("unsupported conversion format: %s", format))
	}
}

func readChain(paths []string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, path := range paths {
		cert, err := readCertificate(path)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
