package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/youmark/pkcs8"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

// GenerateKey writes a PEM private key to path. Bits 256 and 384 select the
// matching NIST curve; anything else is treated as an RSA modulus size.
func (p *X509Provider) GenerateKey(path string, bits int, encrypt bool, passphrase string) error {
	var key crypto.Signer
	var err error

	switch bits {
	case 256:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case 384:
		key, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	default:
		if bits < 2048 {
			return utils.ValidationError(fmt.Sprintf("RSA key size %d too small, minimum is 2048", bits))
		}
		key, err = rsa.GenerateKey(rand.Reader, bits)
	}
	if err != nil {
		return utils.CryptoError("failed to generate private key", err)
	}

	var block *pem.Block
	if encrypt {
		if passphrase == "" {
			return utils.PassphraseRequiredError("passphrase required to encrypt private key")
		}
		der, err := pkcs8.ConvertPrivateKeyToPKCS8(key, []byte(passphrase))
		if err != nil {
			return utils.CryptoError("failed to encrypt private key", err)
		}
		block = &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}
	} else {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return utils.CryptoError("failed to marshal private key", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	}

	if err := utils.AtomicWriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return utils.IOError(fmt.Sprintf("failed to write key %s", path), err)
	}

	return nil
}

func (p *X509Provider) IsKeyEncrypted(keyPath string) (bool, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return false, utils.IOError(fmt.Sprintf("failed to read key %s", keyPath), err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return false, utils.CryptoError(fmt.Sprintf("file %s is not a PEM key", keyPath), nil)
	}

	if block.Type == "ENCRYPTED PRIVATE KEY" {
		return true, nil
	}
	return x509.IsEncryptedPEMBlock(block), nil
}

func loadPrivateKey(path, passphrase string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.IOError(fmt.Sprintf("failed to read key %s", path), err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, utils.CryptoError(fmt.Sprintf("file %s is not a PEM key", path), nil)
	}

	der := block.Bytes
	switch {
	case block.Type == "ENCRYPTED PRIVATE KEY":
		if passphrase == "" {
			return nil, utils.PassphraseRequiredError(fmt.Sprintf("key %s is encrypted", path))
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(der, []byte(passphrase))
		if err != nil {
			return nil, utils.CryptoError("failed to decrypt private key", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, utils.CryptoError("unsupported private key type", nil)
		}
		return signer, nil
	case x509.IsEncryptedPEMBlock(block):
		// Legacy DEK-Info PEM produced by older openssl tooling.
		if passphrase == "" {
			return nil, utils.PassphraseRequiredError(fmt.Sprintf("key %s is encrypted", path))
		}
		der, err = x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return nil, utils.CryptoError("failed to decrypt private key", err)
		}
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, utils.CryptoError("unsupported private key type", nil)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}

	return nil, utils.CryptoError(fmt.Sprintf("failed to parse private key %s", path), nil)
}

func publicKeyOf(key crypto.Signer) crypto.PublicKey {
	return key.Public()
}
