package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/kafra/internal/db"
	"github.com/energizer-project/kafra/internal/network"
	"github.com/energizer-project/kafra/internal/util"
)

type connectionInfo struct {
	Phase        string            `json:"phase"`
	Remote       string            `json:"remote"`
	ConnectedAt  time.Time         `json:"connected_at"`
	LastActivity time.Time         `json:"last_activity"`
	Stats        network.ConnStats `json:"stats"`
}

// handleGetSession returns the tracked session snapshot.
func (s *Server) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Tracker.Snapshot())
}

// handleGetConnections lists the open server connections.
func (s *Server) handleGetConnections(c *gin.Context) {
	var out []connectionInfo
	for phase, conn := range s.opts.Registry.GetAll() {
		out = append(out, connectionInfo{
			Phase:        phase.String(),
			Remote:       conn.RemoteAddr().String(),
			ConnectedAt:  conn.ConnectedAt(),
			LastActivity: conn.LastActivity(),
			Stats:        conn.Stats(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })

	c.JSON(http.StatusOK, gin.H{
		"connections": out,
		"total":       len(out),
	})
}

// handleGetFrames queries the packet journal.
// Query parameters: phase, name, after (id), limit.
func (s *Server) handleGetFrames(c *gin.Context) {
	if s.opts.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal is disabled"})
		return
	}

	q := db.FrameQuery{
		Phase: c.Query("phase"),
		Name:  c.Query("name"),
	}
	if v := c.Query("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after id"})
			return
		}
		q.AfterID = after
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		q.Limit = limit
	}

	frames, err := s.opts.Journal.Frames(q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"frames": frames,
		"total":  len(frames),
	})
}

// handleGetFrameCounts returns the journaled frame count per phase.
func (s *Server) handleGetFrameCounts(c *gin.Context) {
	if s.opts.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal is disabled"})
		return
	}
	counts, err := s.opts.Journal.Counts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

// handleGetPhases returns recent phase transitions.
func (s *Server) handleGetPhases(c *gin.Context) {
	if s.opts.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal is disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	phases, err := s.opts.Journal.Phases(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"phases": phases})
}

// handleGetSystem returns host and process resource usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}
	if usage, err := util.GetProcessUsage(); err == nil {
		resp["process"] = usage
	} else {
		resp["process_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
