package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

// Vault stores private-key passphrases encrypted at rest, keyed by
// certificate fingerprint. Plaintext never touches disk or logs.
type Vault struct {
	mu        sync.Mutex
	path      string
	masterKey []byte
	kdf       kdfConfig
	entries   map[string]string
}

type kdfConfig struct {
	Algorithm  string    `json:"algorithm"`
	Salt       []byte    `json:"salt"`
	Iterations int       `json:"iterations"`
	CreatedAt  time.Time `json:"created_at"`
}

type vaultFile struct {
	KDF        kdfConfig `json:"kdf"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

func New(path string, masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, utils.ConfigError("vault master secret is empty", nil)
	}

	v := &Vault{
		path:    path,
		entries: make(map[string]string),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := v.initialize(masterSecret); err != nil {
			return nil, err
		}
		return v, nil
	}

	if err := v.load(masterSecret); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) initialize(masterSecret string) error {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return utils.InternalError("failed to generate vault salt", err)
	}

	v.kdf = kdfConfig{
		Algorithm:  "scrypt",
		Salt:       salt,
		Iterations: 32768,
		CreatedAt:  time.Now(),
	}

	key, err := deriveKey(masterSecret, v.kdf)
	if err != nil {
		return err
	}
	v.masterKey = key

	return v.persist()
}

func (v *Vault) load(masterSecret string) error {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return utils.IOError(fmt.Sprintf("failed to read vault file %s", v.path), err)
	}

	var file vaultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return utils.ConfigError("vault file is corrupt", err)
	}

	key, err := deriveKey(masterSecret, file.KDF)
	if err != nil {
		return err
	}

	plaintext, err := decrypt(key, file.Nonce, file.Ciphertext)
	if err != nil {
		return utils.CryptoError("failed to decrypt vault, wrong master secret or corrupt file", err)
	}

	entries := make(map[string]string)
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return utils.ConfigError("vault payload is corrupt", err)
	}

	v.kdf = file.KDF
	v.masterKey = key
	v.entries = entries
	return nil
}

func (v *Vault) Store(fingerprint, passphrase string) error {
	if fingerprint == "" {
		return utils.ValidationError("fingerprint is required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries[fingerprint] = passphrase
	return v.persist()
}

func (v *Vault) Get(fingerprint string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	passphrase, ok := v.entries[fingerprint]
	if !ok {
		return "", utils.NotFoundError(fmt.Sprintf("no passphrase stored for %s", fingerprint))
	}
	return passphrase, nil
}

func (v *Vault) Has(fingerprint string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, ok := v.entries[fingerprint]
	return ok
}

func (v *Vault) Delete(fingerprint string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.entries[fingerprint]; !ok {
		return utils.NotFoundError(fmt.Sprintf("no passphrase stored for %s", fingerprint))
	}

	delete(v.entries, fingerprint)
	return v.persist()
}

// Rekey moves every entry under a fingerprint that changed during renewal.
func (v *Vault) Rekey(oldFingerprint, newFingerprint string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	passphrase, ok := v.entries[oldFingerprint]
	if !ok {
		return nil
	}

	delete(v.entries, oldFingerprint)
	v.entries[newFingerprint] = passphrase
	return v.persist()
}

func (v *Vault) persist() error {
	plaintext, err := json.Marshal(v.entries)
	if err != nil {
		return utils.InternalError("failed to marshal vault entries", err)
	}

	nonce, ciphertext, err := encrypt(v.masterKey, plaintext)
	if err != nil {
		return err
	}

	data, err := json.Marshal(vaultFile{
		KDF:        v.kdf,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return utils.InternalError("failed to marshal vault file", err)
	}

	if err := utils.AtomicWriteFile(v.path, data, 0600); err != nil {
		return utils.IOError(fmt.Sprintf("failed to write vault file %s", v.path), err)
	}
	return nil
}

func deriveKey(masterSecret string, cfg kdfConfig) ([]byte, error) {
	switch cfg.Algorithm {
	case "scrypt":
		key, err := scrypt.Key([]byte(masterSecret), cfg.Salt, cfg.Iterations, 8, 1, 32)
		if err != nil {
			return nil, utils.CryptoError("failed to derive vault key", err)
		}
		return key, nil
	case "pbkdf2":
		return pbkdf2.Key([]byte(masterSecret), cfg.Salt, cfg.Iterations, 32, sha256.New), nil
	default:
		return nil, utils.ConfigError(fmt.Sprintf("unsupported vault KDF: %s", cfg.Algorithm), nil)
	}
}

func encrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, utils.CryptoError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, utils.CryptoError("failed to create GCM", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, utils.CryptoError("failed to generate nonce", err)
	}

	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

func decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return gcm.Open(nil, nonce, ciphertext, nil)
}
