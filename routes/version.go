package routes

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
)

// Build-time variables (injected by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionResponse represents the version information response
type VersionResponse struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	GitCommit string `json:"git_commit,omitempty"`
}

// BuildInfo returns the version details served by /version.
func BuildInfo() VersionResponse {
	return VersionResponse{
		Version:   Version,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		GitCommit: GitCommit,
	}
}

func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, BuildInfo())
}
