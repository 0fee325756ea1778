// Package jobs mounts the pipeline observability REST endpoints.
package jobs

import (
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/KrishnaShettyDev/cortex/internal/model"
	registryqueue "github.com/KrishnaShettyDev/cortex/internal/registry/queue"
	registrystore "github.com/KrishnaShettyDev/cortex/internal/registry/store"
	"github.com/KrishnaShettyDev/cortex/internal/security"
)

const defaultListLimit = 50

// MountRoutes mounts the processing job endpoints on the given router.
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, queue registryqueue.Queue, auth gin.HandlerFunc) {
	g := r.Group("/v3/processing", auth)

	g.GET("/jobs/:jobId", func(c *gin.Context) { getJob(c, store) })
	g.GET("/jobs", func(c *gin.Context) { listJobs(c, store) })
	g.GET("/stats", func(c *gin.Context) { jobStats(c, store, queue) })
	g.GET("/dead-letters", func(c *gin.Context) { deadLetters(c, queue) })
}

func getJob(c *gin.Context, store registrystore.MemoryStore) {
	id, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}
	job, err := store.GetJob(c.Request.Context(), id)
	if err != nil {
		if registrystore.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "job not found"})
			return
		}
		handleError(c, err)
		return
	}
	// Jobs belonging to other owners are indistinguishable from missing ones.
	if job.OwnerID != security.GetUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func listJobs(c *gin.Context, store registrystore.MemoryStore) {
	var status *model.JobStatus
	if raw := c.Query("status"); raw != "" {
		s := model.JobStatus(raw)
		switch s {
		case model.JobQueued, model.JobInProgress, model.JobDone, model.JobFailed:
			status = &s
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
			return
		}
	}
	limit := queryInt(c, "limit", defaultListLimit)
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}

	jobs, err := store.ListJobs(c.Request.Context(), security.GetUserID(c), status, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	if jobs == nil {
		jobs = []model.ProcessingJob{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func jobStats(c *gin.Context, store registrystore.MemoryStore, queue registryqueue.Queue) {
	stats, err := store.JobStats(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	depth := int64(0)
	if queue != nil {
		if d, err := queue.Depth(c.Request.Context()); err == nil {
			depth = d
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"byStatus":   stats.ByStatus,
		"byStage":    stats.ByStage,
		"queueDepth": depth,
	})
}

func deadLetters(c *gin.Context, queue registryqueue.Queue) {
	limit := queryInt(c, "limit", defaultListLimit)
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	letters, err := queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		handleError(c, err)
		return
	}
	owner := security.GetUserID(c)
	visible := []model.DeadLetter{}
	for _, l := range letters {
		if l.Message.OwnerID == owner {
			visible = append(visible, l)
		}
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": visible})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func handleError(c *gin.Context, err error) {
	log.Error("jobs route error", "err", err, "stack", string(debug.Stack()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
