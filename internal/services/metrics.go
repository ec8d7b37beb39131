package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cgfm/cert-manager-sub002/internal/certs"
	"github.com/cgfm/cert-manager-sub002/internal/scheduler"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type MetricsService struct {
	config    *utils.Config
	logger    *utils.Logger
	store     *certs.Store
	scheduler *scheduler.Scheduler
	server    *http.Server
	stop      chan struct{}

	certificatesTotal   prometheus.Gauge
	certificatesExpired prometheus.Gauge
	expiringSoon        prometheus.Gauge
	renewalsTotal       *prometheus.CounterVec
	deployActionsTotal  *prometheus.CounterVec
	schedulerRunning    prometheus.Gauge
	lastCheckTimestamp  prometheus.Gauge
}

func NewMetricsService(config *utils.Config, logger *utils.Logger, store *certs.Store, sched *scheduler.Scheduler) *MetricsService {
	ms := &MetricsService{
		config:    config,
		logger:    logger,
		store:     store,
		scheduler: sched,
		stop:      make(chan struct{}),
	}

	ms.initMetrics()
	return ms
}

func (ms *MetricsService) initMetrics() {
	ms.certificatesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "certmanager_certificates_total",
			Help: "Number of certificates in the store",
		},
	)

	ms.certificatesExpired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "certmanager_certificates_expired",
			Help: "Number of expired certificates",
		},
	)

	ms.expiringSoon = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "certmanager_certificates_expiring_soon",
			Help: "Number of certificates inside their renewal window",
		},
	)

	ms.renewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certmanager_renewals_total",
			Help: "Total number of renewal attempts",
		},
		[]string{"outcome"},
	)

	ms.deployActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certmanager_deploy_actions_total",
			Help: "Total number of executed deploy actions",
		},
		[]string{"type", "outcome"},
	)

	ms.schedulerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "certmanager_scheduler_pass_running",
			Help: "Whether a renewal pass is currently running",
		},
	)

	ms.lastCheckTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "certmanager_scheduler_last_check_timestamp",
			Help: "Unix time of the last completed renewal pass",
		},
	)

	prometheus.MustRegister(
		ms.certificatesTotal,
		ms.certificatesExpired,
		ms.expiringSoon,
		ms.renewalsTotal,
		ms.deployActionsTotal,
		ms.schedulerRunning,
		ms.lastCheckTimestamp,
	)
}

// RecordRenewals is wired as the scheduler's observer.
func (ms *MetricsService) RecordRenewals(renewed, failed int) {
	ms.renewalsTotal.WithLabelValues("success").Add(float64(renewed))
	ms.renewalsTotal.WithLabelValues("failure").Add(float64(failed))
}

// RecordDeployAction is wired as the pipeline's observer.
func (ms *MetricsService) RecordDeployAction(actionType string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	ms.deployActionsTotal.WithLabelValues(actionType, outcome).Inc()
}

func (ms *MetricsService) Start() error {
	if !ms.config.MetricsEnabled {
		ms.logger.Info("Metrics service disabled")
		return nil
	}

	ticker := time.NewTicker(30 * time.Second)
	go func() {
		ms.logger.Info("Metrics collection started")
		for {
			select {
			case <-ms.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				ms.collectMetrics()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	ms.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", ms.config.MetricsPort),
		Handler: mux,
	}

	go func() {
		ms.logger.Infof("Metrics server listening on :%d", ms.config.MetricsPort)
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.LogError(err, "Metrics server failed", nil)
		}
	}()

	return nil
}

func (ms *MetricsService) Stop() error {
	close(ms.stop)
	if ms.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ms.server.Shutdown(ctx)
	}
	return nil
}

func (ms *MetricsService) collectMetrics() {
	total := 0
	expired := 0
	expiring := 0
	for _, cert := range ms.store.GetAll() {
		total++
		switch {
		case cert.IsExpired():
			expired++
		case cert.DaysUntilExpiry() <= cert.Config.RenewDaysBeforeExpiry:
			expiring++
		}
	}
	ms.certificatesTotal.Set(float64(total))
	ms.certificatesExpired.Set(float64(expired))
	ms.expiringSoon.Set(float64(expiring))

	status := ms.scheduler.Status()
	if status.Running {
		ms.schedulerRunning.Set(1)
	} else {
		ms.schedulerRunning.Set(0)
	}
	if !status.LastCheck.IsZero() {
		ms.lastCheckTimestamp.Set(float64(status.LastCheck.Unix()))
	}
}
