package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cgfm/cert-manager-sub002/internal/certs"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

const recentRenewalsKept = 20

type RenewalRecord struct {
	Fingerprint    string    `json:"fingerprint"`
	Name           string    `json:"name"`
	NewFingerprint string    `json:"newFingerprint,omitempty"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

type CheckResult struct {
	Checked  int             `json:"checked"`
	Needed   int             `json:"needed"`
	Renewed  int             `json:"renewed"`
	Failed   int             `json:"failed"`
	Failures []RenewalRecord `json:"failures,omitempty"`
}

type Status struct {
	Running        bool            `json:"running"`
	Schedule       string          `json:"schedule"`
	LastCheck      time.Time       `json:"lastCheck,omitempty"`
	NextCheck      time.Time       `json:"nextCheck,omitempty"`
	LastResult     *CheckResult    `json:"lastResult,omitempty"`
	RecentRenewals []RenewalRecord `json:"recentRenewals,omitempty"`
}

// Scheduler fires a renewal pass on a cron schedule. Passes are
// single-flight: a fire that arrives while the previous pass is still
// running is dropped.
type Scheduler struct {
	config *utils.Config
	logger *utils.Logger
	store  *certs.Store
	ignore *IgnoreList

	cron    *cron.Cron
	entryID cron.EntryID
	running atomic.Bool

	mu         sync.Mutex
	lastCheck  time.Time
	lastResult *CheckResult
	recent     []RenewalRecord

	observer func(renewed, failed int)
}

func New(config *utils.Config, logger *utils.Logger, store *certs.Store) *Scheduler {
	s := &Scheduler{
		config: config,
		logger: logger,
		store:  store,
		ignore: NewIgnoreList(config.IgnoreListTTL),
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
	store.SetIgnorer(s.ignore)
	return s
}

// IgnoreList exposes the shared list the watcher consults.
func (s *Scheduler) IgnoreList() *IgnoreList {
	return s.ignore
}

func (s *Scheduler) SetObserver(fn func(renewed, failed int)) {
	s.observer = fn
}

func (s *Scheduler) Start() error {
	entryID, err := s.cron.AddFunc(s.config.RenewalSchedule, func() {
		s.runPass(context.Background(), false)
	})
	if err != nil {
		return utils.ConfigError("invalid renewal schedule", err)
	}
	s.entryID = entryID
	s.cron.Start()
	s.logger.WithField("schedule", s.config.RenewalSchedule).Info("Renewal scheduler started")
	return nil
}

// Stop halts the cron timer. A pass in progress runs to completion.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Renewal scheduler stopped")
}

// ForceCheck runs a pass immediately. With forceAll set, the auto-renew flag
// and the expiry window are ignored and every certificate is renewed.
func (s *Scheduler) ForceCheck(ctx context.Context, forceAll bool) (*CheckResult, error) {
	return s.runPass(ctx, forceAll)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:    s.running.Load(),
		Schedule:   s.config.RenewalSchedule,
		LastCheck:  s.lastCheck,
		LastResult: s.lastResult,
	}
	status.RecentRenewals = append(status.RecentRenewals, s.recent...)

	if s.entryID != 0 {
		status.NextCheck = s.cron.Entry(s.entryID).Next
	}
	return status
}

func (s *Scheduler) runPass(ctx context.Context, forceAll bool) (*CheckResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, utils.BusyError("a renewal pass is already running")
	}
	defer s.running.Store(false)

	if err := s.store.Load(true, ""); err != nil {
		s.logger.LogError(err, "store refresh before renewal pass", nil)
	}

	result := &CheckResult{}
	for _, cert := range s.store.GetAll() {
		result.Checked++

		if !forceAll && !s.needsRenewal(cert) {
			continue
		}
		result.Needed++

		record := RenewalRecord{Fingerprint: cert.Fingerprint, Name: cert.Name, At: time.Now().UTC()}
		renewResult, err := s.store.Renew(ctx, cert.Fingerprint, certs.RenewOptions{FromScheduler: !forceAll})
		switch {
		case err != nil:
			record.Error = err.Error()
			result.Failed++
			result.Failures = append(result.Failures, record)
			s.logger.LogError(err, "scheduled renewal", map[string]interface{}{"fingerprint": cert.Fingerprint})
		case renewResult.Skipped:
			result.Needed--
		default:
			record.Success = true
			record.NewFingerprint = renewResult.NewFingerprint
			result.Renewed++
		}

		s.remember(record)
	}

	s.mu.Lock()
	s.lastCheck = time.Now().UTC()
	s.lastResult = result
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(result.Renewed, result.Failed)
	}

	s.logger.WithFields(map[string]interface{}{
		"checked": result.Checked,
		"needed":  result.Needed,
		"renewed": result.Renewed,
		"failed":  result.Failed,
	}).Info("Renewal pass finished")

	return result, nil
}

// needsRenewal restricts the scheduled pass to auto-renew certificates
// inside their expiry window. Already expired certificates are left alone.
func (s *Scheduler) needsRenewal(cert *certs.Certificate) bool {
	if !cert.Config.AutoRenew || cert.IsExpired() {
		return false
	}
	days := cert.DaysUntilExpiry()
	return days >= 0 && days <= cert.Config.RenewDaysBeforeExpiry
}

func (s *Scheduler) remember(record RenewalRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append(s.recent, record)
	if len(s.recent) > recentRenewalsKept {
		s.recent = s.recent[len(s.recent)-recentRenewalsKept:]
	}
}
