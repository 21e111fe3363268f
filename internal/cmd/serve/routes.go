package serve

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bartholomew/memkernel/internal/kernel"
	"github.com/bartholomew/memkernel/internal/kernel/kernelerr"
	"github.com/bartholomew/memkernel/internal/kernel/retrieve"
	"github.com/bartholomew/memkernel/internal/security"
)

type upsertRequest struct {
	Kind     string         `json:"kind" binding:"required"`
	Key      string         `json:"key" binding:"required"`
	Value    string         `json:"value"` // empty values are legal records
	TS       *time.Time     `json:"ts"`
	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`
}

type retrieveRequest struct {
	Query  string     `json:"query"`
	TopK   int        `json:"top_k"`
	Kinds  []string   `json:"kinds"`
	After  *time.Time `json:"after"`
	Before *time.Time `json:"before"`
	Mode   string     `json:"mode"`
}

type consentRequest struct {
	Kind string `json:"kind" binding:"required"`
	Key  string `json:"key" binding:"required"`
}

func mountMemoryRoutes(router *gin.Engine, k *kernel.Kernel) {
	router.POST("/v1/memories", func(c *gin.Context) {
		var req upsertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ts := time.Now()
		if req.TS != nil {
			ts = *req.TS
		}
		res, err := k.Upsert(req.Kind, req.Key, req.Value, ts, req.Tags, req.Metadata)
		if err != nil {
			writeKernelError(c, err)
			security.ObserveIngest("error")
			return
		}
		outcome := "stored"
		switch {
		case res.NeedsConsent:
			outcome = "needs_consent"
		case !res.Stored:
			outcome = "skipped"
		}
		security.ObserveIngest(outcome)
		c.JSON(http.StatusOK, gin.H{
			"id":                   res.ID,
			"stored":               res.Stored,
			"needs_consent":        res.NeedsConsent,
			"ephemeral_embeddings": len(res.EphemeralEmbeddings),
		})
	})

	router.DELETE("/v1/memories/:kind/:key", func(c *gin.Context) {
		deleted, err := k.Delete(c.Param("kind"), c.Param("key"))
		if err != nil {
			writeKernelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	})

	router.POST("/v1/memories/consent", func(c *gin.Context) {
		var req consentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		granted, err := k.GrantConsent(req.Kind, req.Key)
		if err != nil {
			writeKernelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"granted": granted})
	})

	router.POST("/v1/memories/:id/embeddings", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid memory id"})
			return
		}
		n, err := k.PersistEmbeddingsFor(id)
		if err != nil {
			writeKernelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"persisted": n})
	})

	router.POST("/v1/retrieve", func(c *gin.Context) {
		var req retrieveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.TopK <= 0 {
			req.TopK = 10
		}
		start := time.Now()
		results, err := k.Retrieve(req.Query, req.TopK, retrieve.Filters{
			Kinds:  req.Kinds,
			After:  req.After,
			Before: req.Before,
		}, req.Mode)
		if err != nil {
			writeKernelError(c, err)
			return
		}
		mode := req.Mode
		if mode == "" {
			mode = "default"
		}
		security.ObserveRetrieval(mode, time.Since(start).Seconds())

		items := make([]gin.H, 0, len(results))
		for _, r := range results {
			item := gin.H{
				"id":            r.ID,
				"score":         r.Score,
				"fused_score":   r.FusedScore,
				"snippet":       r.Snippet,
				"kind":          r.Kind,
				"timestamp":     r.Timestamp,
				"context_only":  r.ContextOnly,
				"recall_policy": r.RecallPolicy,
			}
			if r.FTSScore != nil {
				item["fts_score"] = *r.FTSScore
			}
			if r.VecScore != nil {
				item["vec_score"] = *r.VecScore
			}
			items = append(items, item)
		}
		c.JSON(http.StatusOK, gin.H{"results": items})
	})
}

func mountBrakeRoutes(router *gin.Engine, k *kernel.Kernel) {
	router.GET("/v1/brake", func(c *gin.Context) {
		state := k.BrakeStatus()
		c.JSON(http.StatusOK, gin.H{"engaged": state.Engaged, "scopes": state.Scopes})
	})

	router.POST("/v1/brake/engage", func(c *gin.Context) {
		var req struct {
			Scopes []string `json:"scopes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := k.BrakeEngage(req.Scopes...); err != nil {
			writeKernelError(c, err)
			return
		}
		security.SetBrakeGauge(k.BrakeStatus().Engaged)
		state := k.BrakeStatus()
		c.JSON(http.StatusOK, gin.H{"engaged": state.Engaged, "scopes": state.Scopes})
	})

	router.POST("/v1/brake/disengage", func(c *gin.Context) {
		if err := k.BrakeDisengage(); err != nil {
			writeKernelError(c, err)
			return
		}
		security.SetBrakeGauge(k.BrakeStatus().Engaged)
		state := k.BrakeStatus()
		c.JSON(http.StatusOK, gin.H{"engaged": state.Engaged, "scopes": state.Scopes})
	})
}

// writeKernelError maps kernel error kinds to HTTP statuses. Error
// messages never carry record plaintext, so echoing them is safe.
func writeKernelError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, kernelerr.ErrBrakeEngaged):
		status = http.StatusLocked
	case errors.Is(err, kernelerr.ErrConfig):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, kernelerr.ErrCrypto):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
