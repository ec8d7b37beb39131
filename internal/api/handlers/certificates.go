package handlers

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cgfm/cert-manager-sub002/internal/certs"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type CertificateHandler struct {
	config *utils.Config
	logger *utils.Logger
	store  *certs.Store
}

func NewCertificateHandler(config *utils.Config, logger *utils.Logger, store *certs.Store) *CertificateHandler {
	return &CertificateHandler{
		config: config,
		logger: logger,
		store:  store,
	}
}

func (h *CertificateHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"certificates": h.store.GetAll()})
}

func (h *CertificateHandler) Get(c *gin.Context) {
	cert, err := h.store.Get(c.Param("fp"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

func (h *CertificateHandler) Create(c *gin.Context) {
	var req certs.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cert, err := h.store.Create(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cert)
}

func (h *CertificateHandler) Update(c *gin.Context) {
	var patch certs.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cert, err := h.store.UpdateConfig(c.Param("fp"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

func (h *CertificateHandler) Delete(c *gin.Context) {
	if err := h.store.Delete(c.Param("fp")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type renewRequest struct {
	ValidityDays int    `json:"validityDays"`
	Passphrase   string `json:"passphrase"`
	CAPassphrase string `json:"caPassphrase"`
}

func (h *CertificateHandler) Renew(c *gin.Context) {
	var req renewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := h.store.Renew(c.Request.Context(), c.Param("fp"), certs.RenewOptions{
		ValidityDays: req.ValidityDays,
		Passphrase:   req.Passphrase,
		CAPassphrase: req.CAPassphrase,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *CertificateHandler) ApplyIdle(c *gin.Context) {
	result, err := h.store.ApplyIdleAndRenew(c.Request.Context(), c.Param("fp"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type sanRequest struct {
	Value  string `json:"value" binding:"required"`
	Type   string `json:"type"`
	Staged *bool  `json:"staged"`
}

func (r *sanRequest) isIP() bool {
	switch r.Type {
	case "ip":
		return true
	case "domain":
		return false
	default:
		return net.ParseIP(r.Value) != nil
	}
}

func (h *CertificateHandler) AddSAN(c *gin.Context) {
	var req sanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	staged := true
	if req.Staged != nil {
		staged = *req.Staged
	}

	fingerprint := c.Param("fp")
	var err error
	if req.isIP() {
		err = h.store.AddIP(fingerprint, req.Value, staged)
	} else {
		err = h.store.AddDomain(fingerprint, req.Value, staged)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	h.sanView(c, fingerprint)
}

func (h *CertificateHandler) RemoveSAN(c *gin.Context) {
	var req sanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fingerprint := c.Param("fp")
	var err error
	if req.isIP() {
		err = h.store.RemoveIP(fingerprint, req.Value)
	} else {
		err = h.store.RemoveDomain(fingerprint, req.Value)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	h.sanView(c, fingerprint)
}

func (h *CertificateHandler) sanView(c *gin.Context, fingerprint string) {
	cert, err := h.store.Get(fingerprint)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sans":        cert.SANs,
		"idleDomains": cert.IdleDomains,
		"idleIps":     cert.IdleIPs,
	})
}

type convertRequest struct {
	Format   string `json:"format" binding:"required"`
	Password string `json:"password"`
}

func (h *CertificateHandler) Convert(c *gin.Context) {
	var req convertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	path, err := h.store.Convert(c.Param("fp"), req.Format, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

func (h *CertificateHandler) Files(c *gin.Context) {
	files, err := h.store.GetFiles(c.Param("fp"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (h *CertificateHandler) History(c *gin.Context) {
	history, err := h.store.History(c.Param("fp"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

type passphraseRequest struct {
	Passphrase string `json:"passphrase" binding:"required"`
}

func (h *CertificateHandler) StorePassphrase(c *gin.Context) {
	var req passphraseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.StorePassphrase(c.Param("fp"), req.Passphrase); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": true})
}

func (h *CertificateHandler) DeletePassphrase(c *gin.Context) {
	if err := h.store.DeletePassphrase(c.Param("fp")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *CertificateHandler) HasPassphrase(c *gin.Context) {
	fingerprint := c.Param("fp")
	if _, err := h.store.Get(fingerprint); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"present": h.store.HasPassphrase(fingerprint)})
}

type reorderRequest struct {
	Order []int `json:"order" binding:"required"`
}

func (h *CertificateHandler) ReorderDeployActions(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.ReorderDeployActions(c.Param("fp"), req.Order); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reordered": true})
}

func (h *CertificateHandler) RunDeployActions(c *gin.Context) {
	result, err := h.store.RunDeployActions(c.Request.Context(), c.Param("fp"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
