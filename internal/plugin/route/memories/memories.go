// Package memories mounts the memory ingestion and history REST endpoints.
package memories

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/KrishnaShettyDev/cortex/internal/model"
	registrystore "github.com/KrishnaShettyDev/cortex/internal/registry/store"
	"github.com/KrishnaShettyDev/cortex/internal/security"
	"github.com/KrishnaShettyDev/cortex/internal/service"
)

// DefaultContainerTag scopes memories ingested without an explicit container.
const DefaultContainerTag = "default"

// MountRoutes mounts the memory endpoints on the given router.
func MountRoutes(r *gin.Engine, ingestor *service.Ingestor, store registrystore.MemoryStore, auth gin.HandlerFunc) {
	g := r.Group("/v3", auth)

	g.POST("/memories", func(c *gin.Context) { createMemory(c, ingestor) })
	g.GET("/memories/:id", func(c *gin.Context) { getMemory(c, store) })
	g.GET("/memories/:id/history", func(c *gin.Context) { memoryHistory(c, store) })
}

type createMemoryRequest struct {
	Content      string         `json:"content"`
	Source       string         `json:"source"`
	ContainerTag string         `json:"containerTag"`
	Metadata     map[string]any `json:"metadata"`
	UseAUDN      *bool          `json:"useAUDN"`
}

type createMemoryResponse struct {
	ID               uuid.UUID  `json:"id"`
	Content          string     `json:"content"`
	ProcessingStatus string     `json:"processing_status"`
	AUDNAction       string     `json:"audn_action,omitempty"`
	AUDNReason       string     `json:"audn_reason,omitempty"`
	UpdatedExisting  *uuid.UUID `json:"updated_existing,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func createMemory(c *gin.Context, ingestor *service.Ingestor) {
	var req createMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	containerTag := req.ContainerTag
	if containerTag == "" {
		containerTag = DefaultContainerTag
	}

	useAUDN := true
	if req.UseAUDN != nil {
		useAUDN = *req.UseAUDN
	}

	result, err := ingestor.Ingest(c.Request.Context(), service.IngestRequest{
		Content:      req.Content,
		Source:       req.Source,
		OwnerID:      security.GetUserID(c),
		ContainerTag: containerTag,
		Metadata:     req.Metadata,
		SkipDedup:    !useAUDN,
	})
	if err != nil {
		handleError(c, err)
		return
	}

	if result.Existing != nil {
		target := result.Existing.ID
		c.JSON(http.StatusOK, createMemoryResponse{
			ID:               result.Existing.ID,
			Content:          req.Content,
			ProcessingStatus: "noop",
			AUDNAction:       string(result.Decision.Action),
			AUDNReason:       result.Decision.Reason,
			UpdatedExisting:  &target,
			CreatedAt:        result.Existing.CreatedAt,
		})
		return
	}

	resp := createMemoryResponse{
		ID:               result.Memory.ID,
		Content:          result.Memory.Content,
		ProcessingStatus: string(result.Memory.Status),
		AUDNAction:       string(result.Decision.Action),
		AUDNReason:       result.Decision.Reason,
		CreatedAt:        result.Memory.CreatedAt,
	}
	if result.Job.AUDNTarget != nil {
		resp.UpdatedExisting = result.Job.AUDNTarget
	}
	c.JSON(http.StatusAccepted, resp)
}

func getMemory(c *gin.Context, store registrystore.MemoryStore) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid memory ID"})
		return
	}
	mem, err := store.GetMemory(c.Request.Context(), id)
	if err != nil {
		if registrystore.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "memory not found"})
			return
		}
		handleError(c, err)
		return
	}
	if mem.OwnerID != security.GetUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "memory not found"})
		return
	}
	c.JSON(http.StatusOK, mem)
}

func memoryHistory(c *gin.Context, store registrystore.MemoryStore) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid memory ID"})
		return
	}
	history, err := store.MemoryHistory(c.Request.Context(), id)
	if err != nil {
		if registrystore.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "memory not found"})
			return
		}
		handleError(c, err)
		return
	}
	userID := security.GetUserID(c)
	visible := make([]model.Memory, 0, len(history))
	for _, m := range history {
		if m.OwnerID == userID {
			visible = append(visible, m)
		}
	}
	if len(visible) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "memory not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": visible})
}

func handleError(c *gin.Context, err error) {
	log.Error("memories route error", "err", err, "stack", string(debug.Stack()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
