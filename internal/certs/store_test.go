package certs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgfm/cert-manager-sub002/internal/crypto"
	"github.com/cgfm/cert-manager-sub002/internal/deploy"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
	"github.com/cgfm/cert-manager-sub002/internal/vault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	config := &utils.Config{
		CertsDir:             t.TempDir(),
		ConfigDir:            t.TempDir(),
		DefaultValidityDays:  365,
		DefaultRenewDays:     30,
		DefaultKeySize:       256,
		LocalActionTimeout:   10 * time.Second,
		NetworkActionTimeout: 10 * time.Second,
	}

	logger := utils.NewLogger("error")
	provider := crypto.NewX509Provider(logger)
	passphraseVault, err := vault.New(filepath.Join(config.ConfigDir, "vault.json"), "test-master-secret")
	require.NoError(t, err)
	pipeline := deploy.NewPipeline(config, logger)

	return NewStore(config, logger, provider, passphraseVault, pipeline)
}

func createStandard(t *testing.T, s *Store, name string, domains []string) *Certificate {
	t.Helper()
	cert, err := s.Create(CreateRequest{
		Name:    name,
		Domains: domains,
	})
	require.NoError(t, err)
	return cert
}

func TestCreateRootCA(t *testing.T) {
	s := newTestStore(t)

	cert, err := s.Create(CreateRequest{Name: "Test Root CA", CertType: TypeRootCA})
	require.NoError(t, err)

	assert.Equal(t, TypeRootCA, cert.CertType)
	assert.True(t, cert.IsCA)
	assert.True(t, cert.SelfSigned)
	assert.Len(t, cert.Fingerprint, 64)

	assert.True(t, utils.FileExists(cert.Paths["crt"]))
	assert.True(t, utils.FileExists(cert.Paths["key"]))

	got, err := s.Get(cert.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "Test Root CA", got.Name)

	assert.True(t, utils.FileExists(filepath.Join(s.config.ConfigDir, "certificates.json")))
}

func TestCreateDuplicateName(t *testing.T) {
	s := newTestStore(t)

	createStandard(t, s, "dup", []string{"dup.example.com"})
	_, err := s.Create(CreateRequest{Name: "dup", Domains: []string{"dup.example.com"}})
	assert.Equal(t, utils.ClassDuplicate, utils.ClassOf(err))
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create(CreateRequest{})
	assert.Equal(t, utils.ClassValidation, utils.ClassOf(err))

	_, err = s.Create(CreateRequest{Name: "bad-ip", IPs: []string{"999.1.1.1"}})
	assert.Equal(t, utils.ClassValidation, utils.ClassOf(err))

	_, err = s.Create(CreateRequest{Name: "mid", CertType: TypeIntermediateCA})
	assert.Equal(t, utils.ClassValidation, utils.ClassOf(err))

	_, err = s.Create(CreateRequest{Name: "leaf", SignWithCA: true, CAFingerprint: "NOPE"})
	assert.Equal(t, utils.ClassCANotFound, utils.ClassOf(err))
}

func TestLoadDiscoversAndReconciles(t *testing.T) {
	s := newTestStore(t)

	created := createStandard(t, s, "web", []string{"web.example.com"})

	fresh := NewStore(s.config, s.logger, s.provider, s.vault, s.pipeline)
	require.NoError(t, fresh.Load(true, ""))

	got, err := fresh.Get(created.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "web", got.Name)
	assert.Equal(t, created.Paths["crt"], got.Paths["crt"])
	assert.Equal(t, created.Paths["key"], got.Paths["key"])
	assert.False(t, got.NeedsPassphrase)
}

func TestLoadPrunesVanishedPaths(t *testing.T) {
	s := newTestStore(t)

	cert := createStandard(t, s, "pruned", []string{"pruned.example.com"})
	require.NoError(t, os.Remove(cert.Paths["key"]))

	require.NoError(t, s.Load(true, ""))

	got, err := s.Get(cert.Fingerprint)
	require.NoError(t, err)
	_, hasKey := got.Paths["key"]
	assert.False(t, hasKey)
}

func TestLoadSkipsExcludedDirs(t *testing.T) {
	s := newTestStore(t)

	cert := createStandard(t, s, "kept", []string{"kept.example.com"})

	archiveDir := filepath.Join(s.config.CertsDir, "archive", "old")
	require.NoError(t, os.MkdirAll(archiveDir, 0755))
	require.NoError(t, utils.CopyFile(cert.Paths["crt"], filepath.Join(archiveDir, "old.crt"), 0644))

	require.NoError(t, s.Load(true, ""))
	assert.Equal(t, 1, s.Count())
}

func TestSANStaging(t *testing.T) {
	s := newTestStore(t)
	cert := createStandard(t, s, "san", []string{"san.example.com"})
	fp := cert.Fingerprint

	err := s.AddDomain(fp, "extra.example.com", false)
	assert.Equal(t, utils.ClassValidation, utils.ClassOf(err))

	require.NoError(t, s.AddDomain(fp, "extra.example.com", true))
	got, _ := s.Get(fp)
	assert.Contains(t, got.IdleDomains, "extra.example.com")
	assert.NotContains(t, got.SANs.Domains, "extra.example.com")

	err = s.AddDomain(fp, "extra.example.com", true)
	assert.Equal(t, utils.ClassDuplicate, utils.ClassOf(err))

	err = s.AddDomain(fp, "san.example.com", true)
	assert.Equal(t, utils.ClassDuplicate, utils.ClassOf(err))

	err = s.AddDomain(fp, "not a domain", true)
	assert.Equal(t, utils.ClassValidation, utils.ClassOf(err))

	require.NoError(t, s.AddIP(fp, "10.1.2.3", true))
	err = s.AddIP(fp, "10.1.2.3", true)
	assert.Equal(t, utils.ClassDuplicate, utils.ClassOf(err))
}

func TestAddThenRemoveDomainIsNoop(t *testing.T) {
	s := newTestStore(t)
	cert := createStandard(t, s, "noop", []string{"noop.example.com"})
	fp := cert.Fingerprint

	before, _ := s.Get(fp)
	domains := append([]string(nil), before.SANs.Domains...)
	idle := append([]string(nil), before.IdleDomains...)

	require.NoError(t, s.AddDomain(fp, "temp.example.com", true))
	require.NoError(t, s.RemoveDomain(fp, "temp.example.com"))

	after, _ := s.Get(fp)
	assert.Equal(t, domains, after.SANs.Domains)
	assert.Equal(t, idle, after.IdleDomains)

	err := s.RemoveDomain(fp, "temp.example.com")
	assert.Equal(t, utils.ClassNotFound, utils.ClassOf(err))
}

func TestUpdateConfig(t *testing.T) {
	s := newTestStore(t)
	cert := createStandard(t, s, "cfg", []string{"cfg.example.com"})
	fp := cert.Fingerprint

	autoRenew := true
	days := 14
	description := "primary web certificate"
	updated, err := s.UpdateConfig(fp, ConfigPatch{
		AutoRenew:             &autoRenew,
		RenewDaysBeforeExpiry: &days,
		Description:           &description,
	})
	require.NoError(t, err)
	assert.True(t, updated.Config.AutoRenew)
	assert.Equal(t, 14, updated.Config.RenewDaysBeforeExpiry)
	assert.Equal(t, description, updated.Config.Description)

	bad := 0
	_, err = s.UpdateConfig(fp, ConfigPatch{RenewDaysBeforeExpiry: &bad})
	assert.Equal(t, utils.ClassValidation, utils.ClassOf(err))

	missing := "DEADBEEF"
	_, err = s.UpdateConfig(fp, ConfigPatch{CAFingerprint: &missing})
	assert.Equal(t, utils.ClassCANotFound, utils.ClassOf(err))
}

func TestReorderDeployActions(t *testing.T) {
	s := newTestStore(t)
	cert := createStandard(t, s, "order", []string{"order.example.com"})
	fp := cert.Fingerprint

	actions := []deploy.Action{
		{Type: deploy.TypeCopy, Name: "a", Spec: &deploy.CopySpec{Source: "cert", Destination: "/tmp/a"}},
		{Type: deploy.TypeCopy, Name: "b", Spec: &deploy.CopySpec{Source: "cert", Destination: "/tmp/b"}},
		{Type: deploy.TypeCopy, Name: "c", Spec: &deploy.CopySpec{Source: "cert", Destination: "/tmp/c"}},
	}
	_, err := s.UpdateConfig(fp, ConfigPatch{DeployActions: actions})
	require.NoError(t, err)

	require.NoError(t, s.ReorderDeployActions(fp, []int{2, 0, 1}))
	got, _ := s.Get(fp)
	assert.Equal(t, []string{"c", "a", "b"}, []string{got.DeployActions[0].Name, got.DeployActions[1].Name, got.DeployActions[2].Name})

	require.NoError(t, s.ReorderDeployActions(fp, []int{0, 1, 2}))
	got, _ = s.Get(fp)
	assert.Equal(t, "c", got.DeployActions[0].Name)

	err = s.ReorderDeployActions(fp, []int{0, 0, 1})
	assert.Equal(t, utils.ClassValidation, utils.ClassOf(err))
	err = s.ReorderDeployActions(fp, []int{0})
	assert.Equal(t, utils.ClassValidation, utils.ClassOf(err))
}

func TestChainResolution(t *testing.T) {
	s := newTestStore(t)

	root, err := s.Create(CreateRequest{Name: "chain-root", CertType: TypeRootCA})
	require.NoError(t, err)

	intermediate, err := s.Create(CreateRequest{
		Name:          "chain-int",
		CertType:      TypeIntermediateCA,
		SignWithCA:    true,
		CAFingerprint: root.Fingerprint,
	})
	require.NoError(t, err)
	assert.False(t, intermediate.SelfSigned)

	leaf, err := s.Create(CreateRequest{
		Name:          "chain-leaf",
		Domains:       []string{"leaf.example.com"},
		SignWithCA:    true,
		CAFingerprint: intermediate.Fingerprint,
	})
	require.NoError(t, err)

	chain := s.BuildChain(leaf)
	require.Len(t, chain, 3)
	assert.Equal(t, leaf.Fingerprint, chain[0].Fingerprint)
	assert.Equal(t, intermediate.Fingerprint, chain[1].Fingerprint)
	assert.Equal(t, root.Fingerprint, chain[2].Fingerprint)

	rootCA := s.FindRootCA(leaf)
	require.NotNil(t, rootCA)
	assert.Equal(t, root.Fingerprint, rootCA.Fingerprint)

	assert.Len(t, s.BuildChain(root), 1)
}

func TestDeleteRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	cert := createStandard(t, s, "gone", []string{"gone.example.com"})
	fp := cert.Fingerprint
	crtPath := cert.Paths["crt"]

	require.NoError(t, s.Delete(fp))

	_, err := s.Get(fp)
	assert.Equal(t, utils.ClassNotFound, utils.ClassOf(err))
	assert.False(t, utils.FileExists(crtPath))

	err = s.Delete(fp)
	assert.Equal(t, utils.ClassNotFound, utils.ClassOf(err))
}

func TestAttachCompanion(t *testing.T) {
	s := newTestStore(t)
	cert := createStandard(t, s, "comp", []string{"comp.example.com"})

	crtPath := cert.Paths["crt"]
	chainPath := crtPath[:len(crtPath)-len(".crt")] + ".chain"
	require.NoError(t, utils.CopyFile(crtPath, chainPath, 0644))

	fp, err := s.AttachCompanion(chainPath)
	require.NoError(t, err)
	assert.Equal(t, cert.Fingerprint, fp)

	got, _ := s.Get(fp)
	assert.Equal(t, chainPath, got.Paths["chain"])

	_, err = s.AttachCompanion(filepath.Join(s.config.CertsDir, "orphan.key"))
	require.Error(t, err)
}

func TestAttachCompanionRejectsMismatchedKey(t *testing.T) {
	s := newTestStore(t)
	cert := createStandard(t, s, "owner", []string{"owner.example.com"})
	other := createStandard(t, s, "other", []string{"other.example.com"})

	crtPath := cert.Paths["crt"]
	wrongKey := crtPath[:len(crtPath)-len(".crt")] + ".key"
	require.NoError(t, utils.CopyFile(other.Paths["key"], wrongKey, 0600))

	_, err := s.AttachCompanion(wrongKey)
	assert.Equal(t, utils.ClassValidation, utils.ClassOf(err))
}

func TestPassphraseOps(t *testing.T) {
	s := newTestStore(t)
	cert := createStandard(t, s, "pp", []string{"pp.example.com"})
	fp := cert.Fingerprint

	assert.False(t, s.HasPassphrase(fp))
	require.NoError(t, s.StorePassphrase(fp, "secret"))
	assert.True(t, s.HasPassphrase(fp))
	require.NoError(t, s.DeletePassphrase(fp))
	assert.False(t, s.HasPassphrase(fp))

	err := s.StorePassphrase("MISSING", "secret")
	assert.Equal(t, utils.ClassNotFound, utils.ClassOf(err))
}
