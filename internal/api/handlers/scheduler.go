package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cgfm/cert-manager-sub002/internal/scheduler"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type SchedulerHandler struct {
	config    *utils.Config
	logger    *utils.Logger
	scheduler *scheduler.Scheduler
}

func NewSchedulerHandler(config *utils.Config, logger *utils.Logger, sched *scheduler.Scheduler) *SchedulerHandler {
	return &SchedulerHandler{
		config:    config,
		logger:    logger,
		scheduler: sched,
	}
}

func (h *SchedulerHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

func (h *SchedulerHandler) ForceCheck(c *gin.Context) {
	forceAll, _ := strconv.ParseBool(c.Query("forceAll"))

	result, err := h.scheduler.ForceCheck(c.Request.Context(), forceAll)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
