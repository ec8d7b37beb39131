package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

var classStatus = map[utils.ErrorClass]int{
	utils.ClassNotFound:           http.StatusNotFound,
	utils.ClassValidation:         http.StatusBadRequest,
	utils.ClassDuplicate:          http.StatusConflict,
	utils.ClassBusy:               http.StatusConflict,
	utils.ClassPassphraseRequired: http.StatusPreconditionRequired,
	utils.ClassCANotFound:         http.StatusNotFound,
	utils.ClassCrypto:             http.StatusInternalServerError,
	utils.ClassIO:                 http.StatusInternalServerError,
	utils.ClassConfig:             http.StatusInternalServerError,
	utils.ClassInternal:           http.StatusInternalServerError,
	utils.ClassNetwork:            http.StatusBadGateway,
}

func respondError(c *gin.Context, err error) {
	class := utils.ClassOf(err)
	status, ok := classStatus[class]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": err.Error(), "class": string(class)})
}
