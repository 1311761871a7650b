package api

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "kafra",
		"version": s.opts.Version,
	})
}

// handleGetVersion returns the build version.
func (s *Server) handleGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":    s.opts.Version,
		"name":       "kafra",
		"go_version": runtime.Version(),
	})
}
