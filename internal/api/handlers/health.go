package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cgfm/cert-manager-sub002/internal/certs"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type HealthHandler struct {
	config *utils.Config
	logger *utils.Logger
	store  *certs.Store
}

func NewHealthHandler(config *utils.Config, logger *utils.Logger, store *certs.Store) *HealthHandler {
	return &HealthHandler{
		config: config,
		logger: logger,
		store:  store,
	}
}

type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    string            `json:"timestamp"`
	Version      string            `json:"version"`
	Certificates int               `json:"certificates"`
	Checks       map[string]string `json:"checks"`
}

func (h *HealthHandler) Check(c *gin.Context) {
	checks := make(map[string]string)
	overallStatus := "healthy"

	if _, err := os.Stat(h.config.CertsDir); err != nil {
		checks["certsDir"] = "unhealthy: " + err.Error()
		overallStatus = "unhealthy"
	} else {
		checks["certsDir"] = "healthy"
	}

	if _, err := os.Stat(h.config.ConfigDir); err != nil {
		checks["configDir"] = "unhealthy: " + err.Error()
		overallStatus = "unhealthy"
	} else {
		checks["configDir"] = "healthy"
	}

	response := &HealthResponse{
		Status:       overallStatus,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Version:      "1.0.0",
		Certificates: h.store.Count(),
		Checks:       checks,
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
