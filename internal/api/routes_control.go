package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type sayRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) game(c *gin.Context) (GameCommands, bool) {
	if s.opts.Game == nil || !s.opts.Game.InGame() {
		c.JSON(http.StatusConflict, gin.H{"error": "not connected to a map server"})
		return nil, false
	}
	return s.opts.Game, true
}

func (s *Server) commandResult(c *gin.Context, command string, err error) {
	if err != nil {
		s.logger.Warn().Err(err).Str("command", command).Msg("game command failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Str("command", command).Msg("API: game command sent")
	c.JSON(http.StatusOK, gin.H{"status": "sent", "command": command})
}

// handleSay sends a public chat line.
func (s *Server) handleSay(c *gin.Context) {
	var req sayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	game, ok := s.game(c)
	if !ok {
		return
	}
	s.commandResult(c, "say", game.Say(req.Text))
}

// handleChangeDir turns the character.
func (s *Server) handleChangeDir(c *gin.Context) {
	dir, err := strconv.ParseUint(c.Param("dir"), 10, 8)
	if err != nil || dir > 7 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be 0-7"})
		return
	}
	game, ok := s.game(c)
	if !ok {
		return
	}
	s.commandResult(c, "dir", game.ChangeDir(uint8(dir)))
}

// handleSit makes the character sit.
func (s *Server) handleSit(c *gin.Context) {
	game, ok := s.game(c)
	if !ok {
		return
	}
	s.commandResult(c, "sit", game.Sit())
}

// handleStand makes the character stand.
func (s *Server) handleStand(c *gin.Context) {
	game, ok := s.game(c)
	if !ok {
		return
	}
	s.commandResult(c, "stand", game.Stand())
}
