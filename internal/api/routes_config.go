package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/events"
)

const redacted = "********"

type clientFieldRequest struct {
	Key   string      `json:"key" binding:"required"`
	Value interface{} `json:"value"`
}

// handleGetConfig returns the configuration with secrets redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	client := s.opts.Config.GetClientData()
	if client.Password != "" {
		client.Password = redacted
	}
	app := s.opts.Config.GetApplicationData()
	if app.API.Token != "" {
		app.API.Token = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"client_data":      client,
		"application_data": app,
	})
}

// handleSetClientField updates one client_data field, validates the result
// and saves it. The change applies to the next session.
func (s *Server) handleSetClientField(c *gin.Context) {
	var req clientFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.opts.Config.GetClientData()
	if err := s.opts.Config.UpdateClientField(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.Validate(s.opts.Config); !result.IsValid() {
		s.opts.Config.SetClientData(previous)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "details": result.Errors})
		return
	}

	if err := s.opts.Config.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	if s.opts.Bus != nil {
		s.opts.Bus.Emit(c.Request.Context(), events.Event{
			Type:   events.EventConfigChanged,
			Source: "api",
			Payload: events.ConfigChangedPayload{
				Section: "client_data",
				Key:     req.Key,
			},
		})
	}

	s.logger.Info().Str("key", req.Key).Msg("API: client data updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated", "key": req.Key})
}
