package crypto

import (
	"encoding/pem"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

var fingerprintRe = regexp.MustCompile(`^[0-9A-F]{64}$`)

func newTestProvider(t *testing.T) *X509Provider {
	t.Helper()
	return NewX509Provider(utils.NewLogger("error"))
}

func selfSignedFixture(t *testing.T, p *X509Provider, dir, name string, cfg *ExtConfig, days int) (certPath, keyPath string) {
	t.Helper()

	keyPath = filepath.Join(dir, name+".key")
	certPath = filepath.Join(dir, name+".crt")
	extPath := filepath.Join(dir, name+".ext")

	require.NoError(t, p.GenerateKey(keyPath, 256, false, ""))
	require.NoError(t, cfg.Write(extPath))
	require.NoError(t, p.CreateSelfSigned(extPath, keyPath, certPath, days, ""))
	return certPath, keyPath
}

func TestParseCertificateSelfSigned(t *testing.T) {
	p := newTestProvider(t)
	dir := t.TempDir()

	cfg := &ExtConfig{
		CommonName: "unit.example.com",
		DNSNames:   []string{"unit.example.com", "www.unit.example.com"},
		IPs:        []string{"127.0.0.1"},
	}
	certPath, _ := selfSignedFixture(t, p, dir, "unit", cfg, 90)

	info, err := p.ParseCertificate(certPath)
	require.NoError(t, err)

	assert.Regexp(t, fingerprintRe, info.Fingerprint)
	assert.Equal(t, "unit.example.com", info.CommonName)
	assert.True(t, info.SelfSigned)
	assert.False(t, info.IsCA)
	assert.ElementsMatch(t, []string{"unit.example.com", "www.unit.example.com"}, info.DNSNames)
	assert.ElementsMatch(t, []string{"127.0.0.1"}, info.IPAddresses)
	assert.Equal(t, "EC", info.KeyType)
	assert.Equal(t, 256, info.KeySize)
	assert.NotEmpty(t, info.SerialNumber)

	expected := time.Now().AddDate(0, 0, 90)
	assert.WithinDuration(t, expected, info.ValidTo, time.Hour)
}

func TestSignWithCA(t *testing.T) {
	p := newTestProvider(t)
	dir := t.TempDir()

	caCfg := &ExtConfig{CommonName: "Unit Root CA", IsCA: true}
	caCert, caKey := selfSignedFixture(t, p, dir, "ca", caCfg, 3650)

	caInfo, err := p.ParseCertificate(caCert)
	require.NoError(t, err)
	require.True(t, caInfo.IsCA)
	require.True(t, caInfo.SelfSigned)
	require.NotEmpty(t, caInfo.SubjectKeyID)

	leafKey := filepath.Join(dir, "leaf.key")
	leafExt := filepath.Join(dir, "leaf.ext")
	leafCsr := filepath.Join(dir, "leaf.csr")
	leafCert := filepath.Join(dir, "leaf.crt")

	leafCfg := &ExtConfig{CommonName: "leaf.example.com", DNSNames: []string{"leaf.example.com"}}
	require.NoError(t, p.GenerateKey(leafKey, 256, false, ""))
	require.NoError(t, leafCfg.Write(leafExt))
	require.NoError(t, p.CreateCSR(leafExt, leafKey, leafCsr, ""))
	require.NoError(t, p.SignWithCA(leafCsr, caCert, caKey, "", leafCert, 365, leafExt))

	info, err := p.ParseCertificate(leafCert)
	require.NoError(t, err)
	assert.False(t, info.SelfSigned)
	assert.False(t, info.IsCA)
	assert.Equal(t, "Unit Root CA", info.IssuerCN)
	assert.Equal(t, caInfo.SubjectKeyID, info.AuthorityKeyID)
	assert.ElementsMatch(t, []string{"leaf.example.com"}, info.DNSNames)
}

func TestVerifyKeyMatch(t *testing.T) {
	p := newTestProvider(t)
	dir := t.TempDir()

	cfg := &ExtConfig{CommonName: "match.example.com"}
	certPath, keyPath := selfSignedFixture(t, p, dir, "match", cfg, 30)

	ok, err := p.VerifyKeyMatch(certPath, keyPath, "")
	require.NoError(t, err)
	assert.True(t, ok)

	otherKey := filepath.Join(dir, "other.key")
	require.NoError(t, p.GenerateKey(otherKey, 256, false, ""))

	ok, err = p.VerifyKeyMatch(certPath, otherKey, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncryptedKey(t *testing.T) {
	p := newTestProvider(t)
	dir := t.TempDir()

	keyPath := filepath.Join(dir, "enc.key")
	require.NoError(t, p.GenerateKey(keyPath, 256, true, "secret"))

	encrypted, err := p.IsKeyEncrypted(keyPath)
	require.NoError(t, err)
	assert.True(t, encrypted)

	extPath := filepath.Join(dir, "enc.ext")
	certPath := filepath.Join(dir, "enc.crt")
	require.NoError(t, (&ExtConfig{CommonName: "enc.example.com"}).Write(extPath))

	require.Error(t, p.CreateSelfSigned(extPath, keyPath, certPath, 30, "wrong"))
	require.NoError(t, p.CreateSelfSigned(extPath, keyPath, certPath, 30, "secret"))

	plainKey := filepath.Join(dir, "plain.key")
	require.NoError(t, p.GenerateKey(plainKey, 256, false, ""))
	encrypted, err = p.IsKeyEncrypted(plainKey)
	require.NoError(t, err)
	assert.False(t, encrypted)
}

func TestPKCS8EncryptedKeyRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	dir := t.TempDir()

	keyPath := filepath.Join(dir, "p8.key")
	require.NoError(t, p.GenerateKey(keyPath, 256, true, "secret"))

	data, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	assert.Equal(t, "ENCRYPTED PRIVATE KEY", block.Type)

	signer, err := loadPrivateKey(keyPath, "secret")
	require.NoError(t, err)
	assert.NotNil(t, signer.Public())

	_, err = loadPrivateKey(keyPath, "wrong")
	assert.Equal(t, utils.ClassCrypto, utils.ClassOf(err))

	_, err = loadPrivateKey(keyPath, "")
	assert.Equal(t, utils.ClassPassphraseRequired, utils.ClassOf(err))
}

func TestConvertFormats(t *testing.T) {
	p := newTestProvider(t)
	dir := t.TempDir()

	cfg := &ExtConfig{CommonName: "convert.example.com"}
	certPath, keyPath := selfSignedFixture(t, p, dir, "convert", cfg, 30)

	original, err := p.ParseCertificate(certPath)
	require.NoError(t, err)

	pemPath := filepath.Join(dir, "convert.pem")
	require.NoError(t, p.Convert(certPath, "pem", pemPath, ConvertOptions{}))
	reparsed, err := p.ParseCertificate(pemPath)
	require.NoError(t, err)
	assert.Equal(t, original.Fingerprint, reparsed.Fingerprint)

	derPath := filepath.Join(dir, "convert.der")
	require.NoError(t, p.Convert(certPath, "der", derPath, ConvertOptions{}))
	reparsed, err = p.ParseCertificate(derPath)
	require.NoError(t, err)
	assert.Equal(t, original.Fingerprint, reparsed.Fingerprint)

	p7bPath := filepath.Join(dir, "convert.p7b")
	require.NoError(t, p.Convert(certPath, "p7b", p7bPath, ConvertOptions{}))
	assert.True(t, utils.FileExists(p7bPath))

	p12Path := filepath.Join(dir, "convert.p12")
	require.Error(t, p.Convert(certPath, "p12", p12Path, ConvertOptions{}))
	require.NoError(t, p.Convert(certPath, "p12", p12Path, ConvertOptions{Password: "export", KeyPath: keyPath}))
	assert.True(t, utils.FileExists(p12Path))
}

func TestExtConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundtrip.ext")

	pathLen := 1
	cfg := &ExtConfig{
		CommonName: "ca.example.com",
		DNSNames:   []string{"a.example.com", "b.example.com"},
		IPs:        []string{"10.0.0.1"},
		IsCA:       true,
		PathLen:    &pathLen,
	}
	require.NoError(t, cfg.Write(path))

	parsed, err := ParseExtConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.CommonName, parsed.CommonName)
	assert.Equal(t, cfg.DNSNames, parsed.DNSNames)
	assert.Equal(t, cfg.IPs, parsed.IPs)
	assert.True(t, parsed.IsCA)
	require.NotNil(t, parsed.PathLen)
	assert.Equal(t, 1, *parsed.PathLen)
}

func TestValidateCertificateFile(t *testing.T) {
	p := newTestProvider(t)
	dir := t.TempDir()

	cfg := &ExtConfig{CommonName: "valid.example.com"}
	certPath, keyPath := selfSignedFixture(t, p, dir, "valid", cfg, 30)

	assert.True(t, p.ValidateCertificateFile(certPath))
	assert.False(t, p.ValidateCertificateFile(keyPath))
	assert.False(t, p.ValidateCertificateFile(filepath.Join(dir, "missing.crt")))
}

func TestNormalizeDN(t *testing.T) {
	a := NormalizeDN("CN=example,O=Acme,C=DE")
	b := NormalizeDN("O=Acme, C=DE, CN=example")
	assert.Equal(t, a, b)
}
