package watcher

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgfm/cert-manager-sub002/internal/certs"
	"github.com/cgfm/cert-manager-sub002/internal/crypto"
	"github.com/cgfm/cert-manager-sub002/internal/deploy"
	"github.com/cgfm/cert-manager-sub002/internal/scheduler"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
	"github.com/cgfm/cert-manager-sub002/internal/vault"
)

func newTestWatcher(t *testing.T) (*Watcher, *certs.Store, *utils.Config) {
	t.Helper()

	config := &utils.Config{
		CertsDir:             t.TempDir(),
		ConfigDir:            t.TempDir(),
		DefaultValidityDays:  365,
		DefaultRenewDays:     30,
		DefaultKeySize:       256,
		RenewalSchedule:      "0 0 * * *",
		IgnoreListTTL:        150 * time.Second,
		PrimaryDebounce:      100 * time.Millisecond,
		CompanionDebounce:    50 * time.Millisecond,
		LocalActionTimeout:   10 * time.Second,
		NetworkActionTimeout: 10 * time.Second,
	}

	logger := utils.NewLogger("error")
	provider := crypto.NewX509Provider(logger)
	passphraseVault, err := vault.New(filepath.Join(config.ConfigDir, "vault.json"), "test-master-secret")
	require.NoError(t, err)
	pipeline := deploy.NewPipeline(config, logger)
	store := certs.NewStore(config, logger, provider, passphraseVault, pipeline)
	sched := scheduler.New(config, logger, store)

	w := New(config, logger, store, sched.IgnoreList())
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	return w, store, config
}

// fixture generates a certificate outside the watched directory.
func fixture(t *testing.T, name string) (crtPath, keyPath string) {
	t.Helper()
	dir := t.TempDir()

	provider := crypto.NewX509Provider(utils.NewLogger("error"))
	keyPath = filepath.Join(dir, name+".key")
	crtPath = filepath.Join(dir, name+".crt")
	extPath := filepath.Join(dir, name+".ext")

	require.NoError(t, provider.GenerateKey(keyPath, 256, false, ""))
	cfg := &crypto.ExtConfig{CommonName: name + ".example.com", DNSNames: []string{name + ".example.com"}}
	require.NoError(t, cfg.Write(extPath))
	require.NoError(t, provider.CreateSelfSigned(extPath, keyPath, crtPath, 90, ""))
	return crtPath, keyPath
}

func TestWatcherImportsNewPrimary(t *testing.T) {
	_, store, config := newTestWatcher(t)

	crtPath, _ := fixture(t, "fresh")
	target := filepath.Join(config.CertsDir, "fresh.crt")
	require.NoError(t, utils.CopyFile(crtPath, target, 0644))

	require.Eventually(t, func() bool {
		return store.Count() == 1
	}, 5*time.Second, 50*time.Millisecond)

	cert := store.FindByPath(target)
	require.NotNil(t, cert)
	assert.Equal(t, "fresh.example.com", cert.Name)
}

func TestWatcherAttachesCompanion(t *testing.T) {
	_, store, config := newTestWatcher(t)

	crtPath, keyPath := fixture(t, "paired")
	crtTarget := filepath.Join(config.CertsDir, "paired.crt")
	require.NoError(t, utils.CopyFile(crtPath, crtTarget, 0644))

	require.Eventually(t, func() bool {
		return store.Count() == 1
	}, 5*time.Second, 50*time.Millisecond)

	keyTarget := filepath.Join(config.CertsDir, "paired.key")
	require.NoError(t, utils.CopyFile(keyPath, keyTarget, 0600))

	require.Eventually(t, func() bool {
		cert := store.FindByPath(crtTarget)
		if cert == nil {
			return false
		}
		return cert.Paths["key"] == keyTarget
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcherHonorsIgnoreList(t *testing.T) {
	w, store, config := newTestWatcher(t)

	crtPath, _ := fixture(t, "silent")
	target := filepath.Join(config.CertsDir, "silent.crt")

	w.ignore.Ignore(target)
	require.NoError(t, utils.CopyFile(crtPath, target, 0644))

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, store.Count())
}

func TestWatcherSkipsIrrelevantFiles(t *testing.T) {
	_, store, config := newTestWatcher(t)

	require.NoError(t, utils.AtomicWriteFile(filepath.Join(config.CertsDir, "notes.txt"), []byte("hello"), 0644))
	require.NoError(t, utils.AtomicWriteFile(filepath.Join(config.CertsDir, ".hidden.crt"), []byte("hello"), 0644))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, store.Count())
}
