package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgfm/cert-manager-sub002/internal/certs"
	"github.com/cgfm/cert-manager-sub002/internal/crypto"
	"github.com/cgfm/cert-manager-sub002/internal/deploy"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
	"github.com/cgfm/cert-manager-sub002/internal/vault"
)

func newTestScheduler(t *testing.T) (*Scheduler, *certs.Store) {
	t.Helper()

	config := &utils.Config{
		CertsDir:             t.TempDir(),
		ConfigDir:            t.TempDir(),
		DefaultValidityDays:  365,
		DefaultRenewDays:     30,
		DefaultKeySize:       256,
		RenewalSchedule:      "0 0 * * *",
		IgnoreListTTL:        150 * time.Second,
		LocalActionTimeout:   10 * time.Second,
		NetworkActionTimeout: 10 * time.Second,
	}

	logger := utils.NewLogger("error")
	provider := crypto.NewX509Provider(logger)
	passphraseVault, err := vault.New(filepath.Join(config.ConfigDir, "vault.json"), "test-master-secret")
	require.NoError(t, err)
	pipeline := deploy.NewPipeline(config, logger)
	store := certs.NewStore(config, logger, provider, passphraseVault, pipeline)

	return New(config, logger, store), store
}

func TestForceCheckRenewsInsideWindow(t *testing.T) {
	sched, store := newTestScheduler(t)

	// Expires in 10 days with a 30 day window, must be picked up.
	inWindow, err := store.Create(certs.CreateRequest{
		Name:         "in-window",
		Domains:      []string{"in.example.com"},
		AutoRenew:    true,
		ValidityDays: 10,
	})
	require.NoError(t, err)

	// Expires in 300 days, outside the window.
	outside, err := store.Create(certs.CreateRequest{
		Name:         "outside",
		Domains:      []string{"out.example.com"},
		AutoRenew:    true,
		ValidityDays: 300,
	})
	require.NoError(t, err)

	result, err := sched.ForceCheck(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 1, result.Needed)
	assert.Equal(t, 1, result.Renewed)
	assert.Equal(t, 0, result.Failed)

	_, err = store.Get(inWindow.Fingerprint)
	assert.Equal(t, utils.ClassNotFound, utils.ClassOf(err))

	_, err = store.Get(outside.Fingerprint)
	assert.NoError(t, err)
}

func TestPassRefreshesStoreFromDisk(t *testing.T) {
	sched, store := newTestScheduler(t)
	require.NoError(t, store.Load(true, ""))
	require.Equal(t, 0, store.Count())

	// A certificate dropped into the directory after startup must be
	// visible to the next pass.
	dir := t.TempDir()
	provider := crypto.NewX509Provider(utils.NewLogger("error"))
	keyPath := filepath.Join(dir, "late.key")
	crtPath := filepath.Join(dir, "late.crt")
	extPath := filepath.Join(dir, "late.ext")
	require.NoError(t, provider.GenerateKey(keyPath, 256, false, ""))
	cfg := &crypto.ExtConfig{CommonName: "late.example.com", DNSNames: []string{"late.example.com"}}
	require.NoError(t, cfg.Write(extPath))
	require.NoError(t, provider.CreateSelfSigned(extPath, keyPath, crtPath, 10, ""))
	require.NoError(t, utils.CopyFile(crtPath, filepath.Join(sched.config.CertsDir, "late.crt"), 0644))

	result, err := sched.ForceCheck(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, store.Count())
}

func TestForceCheckSkipsManualCertificates(t *testing.T) {
	sched, store := newTestScheduler(t)

	manual, err := store.Create(certs.CreateRequest{
		Name:         "manual",
		Domains:      []string{"manual.example.com"},
		AutoRenew:    false,
		ValidityDays: 5,
	})
	require.NoError(t, err)

	result, err := sched.ForceCheck(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Renewed)

	_, err = store.Get(manual.Fingerprint)
	assert.NoError(t, err)
}

func TestForceCheckForceAllIgnoresWindow(t *testing.T) {
	sched, store := newTestScheduler(t)

	cert, err := store.Create(certs.CreateRequest{
		Name:         "forced",
		Domains:      []string{"forced.example.com"},
		AutoRenew:    false,
		ValidityDays: 300,
	})
	require.NoError(t, err)

	result, err := sched.ForceCheck(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Renewed)

	_, err = store.Get(cert.Fingerprint)
	assert.Equal(t, utils.ClassNotFound, utils.ClassOf(err))
}

func TestSingleFlight(t *testing.T) {
	sched, _ := newTestScheduler(t)

	require.True(t, sched.running.CompareAndSwap(false, true))
	defer sched.running.Store(false)

	_, err := sched.ForceCheck(context.Background(), false)
	assert.Equal(t, utils.ClassBusy, utils.ClassOf(err))
}

func TestStatusReflectsLastPass(t *testing.T) {
	sched, store := newTestScheduler(t)

	_, err := store.Create(certs.CreateRequest{
		Name:         "status",
		Domains:      []string{"status.example.com"},
		AutoRenew:    true,
		ValidityDays: 5,
	})
	require.NoError(t, err)

	before := sched.Status()
	assert.True(t, before.LastCheck.IsZero())

	_, err = sched.ForceCheck(context.Background(), false)
	require.NoError(t, err)

	after := sched.Status()
	assert.False(t, after.LastCheck.IsZero())
	require.NotNil(t, after.LastResult)
	assert.Equal(t, 1, after.LastResult.Renewed)
	require.NotEmpty(t, after.RecentRenewals)
	assert.True(t, after.RecentRenewals[0].Success)
}

func TestIgnoreListExpiry(t *testing.T) {
	list := NewIgnoreList(50 * time.Millisecond)

	list.Ignore("/tmp/some.crt")
	assert.True(t, list.IsIgnored("/tmp/some.crt"))
	assert.False(t, list.IsIgnored("/tmp/other.crt"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, list.IsIgnored("/tmp/some.crt"))
	assert.Equal(t, 0, list.Len())
}

func TestRenewalRegistersArchiveInIgnoreList(t *testing.T) {
	sched, store := newTestScheduler(t)

	cert, err := store.Create(certs.CreateRequest{
		Name:         "ignored",
		Domains:      []string{"ignored.example.com"},
		AutoRenew:    true,
		ValidityDays: 5,
	})
	require.NoError(t, err)
	_ = cert

	_, err = sched.ForceCheck(context.Background(), false)
	require.NoError(t, err)

	assert.Greater(t, sched.IgnoreList().Len(), 0)
}
