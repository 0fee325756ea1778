// Package search mounts the retrieval and profile REST endpoints.
package search

import (
	"net/http"
	"runtime/debug"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/KrishnaShettyDev/cortex/internal/search"
	"github.com/KrishnaShettyDev/cortex/internal/security"
	"github.com/KrishnaShettyDev/cortex/internal/service"
)

// DefaultContainerTag scopes requests without an explicit container.
const DefaultContainerTag = "default"

// MountRoutes mounts the search and profile endpoints on the given router.
func MountRoutes(r *gin.Engine, searcher *search.Searcher, profiles *service.ProfileService, auth gin.HandlerFunc) {
	g := r.Group("/v3", auth)

	g.POST("/search", func(c *gin.Context) { runSearch(c, searcher, profiles) })
	g.GET("/profile", func(c *gin.Context) { getProfile(c, profiles) })
}

type searchRequest struct {
	Q              string `json:"q"`
	Limit          int    `json:"limit"`
	ContainerTag   string `json:"containerTag"`
	SearchMode     string `json:"searchMode"`
	IncludeProfile bool   `json:"includeProfile"`
	Rerank         bool   `json:"rerank"`
}

type searchResponse struct {
	search.Result
	Profile *service.Profile `json:"profile,omitempty"`
}

func runSearch(c *gin.Context, searcher *search.Searcher, profiles *service.ProfileService) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	containerTag := req.ContainerTag
	if containerTag == "" {
		containerTag = DefaultContainerTag
	}
	userID := security.GetUserID(c)

	result, err := searcher.Search(c.Request.Context(), search.Request{
		Query:        req.Q,
		OwnerID:      userID,
		ContainerTag: containerTag,
		Mode:         req.SearchMode,
		Limit:        req.Limit,
		Rerank:       req.Rerank,
	})
	if err != nil {
		handleError(c, err)
		return
	}

	resp := searchResponse{Result: *result}
	if req.IncludeProfile && profiles != nil {
		profile, err := profiles.GetProfile(c.Request.Context(), userID, containerTag)
		if err != nil {
			log.Warn("Profile lookup failed during search", "error", err)
		} else {
			resp.Profile = profile
		}
	}
	c.JSON(http.StatusOK, resp)
}

func getProfile(c *gin.Context, profiles *service.ProfileService) {
	containerTag := c.Query("containerTag")
	if containerTag == "" {
		containerTag = DefaultContainerTag
	}
	profile, err := profiles.GetProfile(c.Request.Context(), security.GetUserID(c), containerTag)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func handleError(c *gin.Context, err error) {
	log.Error("search route error", "err", err, "stack", string(debug.Stack()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
