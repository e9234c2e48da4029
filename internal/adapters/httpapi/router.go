// Package httpapi is the local HTTP surface of the client: call control,
// the friends roster, the websocket event feed for the UI and the code
// execution proxy.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/call"
	"github.com/Sarvesh2424/codecollab/internal/config"
	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
	"github.com/Sarvesh2424/codecollab/internal/roster"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, engine *call.Engine, friends *roster.Roster, hub *Hub, exec *ExecProxy) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CodeCollabSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "httpapi").Msg("router setup")

	api := r.Group("/api")

	api.GET("/friends", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"friends": friends.List()})
	})

	api.GET("/call/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, engine.Snapshot())
	})

	api.GET("/call/invites", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"invites": engine.PendingInvites()})
	})

	api.POST("/call/start", func(c *gin.Context) {
		var req struct {
			Peer string `json:"peer"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		peer, err := domain.ParsePeerID(req.Peer)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !friends.Allowed(peer) {
			c.JSON(http.StatusForbidden, gin.H{"error": "peer not in friends list"})
			return
		}
		sid, err := engine.StartCall(c.Request.Context(), peer)
		if err != nil {
			c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessionId": sid})
	})

	api.POST("/call/end", func(c *gin.Context) {
		engine.EndCall()
		c.JSON(http.StatusOK, engine.Snapshot())
	})

	api.POST("/call/invites/:id/accept", func(c *gin.Context) {
		id := domain.InviteID(c.Param("id"))
		if err := engine.AcceptInvite(c.Request.Context(), id); err != nil {
			c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, engine.Snapshot())
	})

	api.POST("/call/invites/:id/decline", func(c *gin.Context) {
		id := domain.InviteID(c.Param("id"))
		if err := engine.DeclineInvite(c.Request.Context(), id); err != nil {
			c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api.POST("/call/mute", func(c *gin.Context) {
		muted, err := engine.ToggleMute()
		if err != nil {
			c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"muted": muted})
	})

	api.POST("/call/video", func(c *gin.Context) {
		off, err := engine.ToggleVideo()
		if err != nil {
			c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"videoOff": off})
	})

	api.POST("/execute", exec.Handle)

	api.GET("/ws/events", func(c *gin.Context) {
		hub.HandleWS(c, engine.Snapshot)
	})

	return r
}

func callErrStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrCallBusy):
		return http.StatusConflict
	case errors.Is(err, core.ErrNoActiveCall):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidSession):
		return http.StatusNotFound
	case errors.Is(err, core.ErrPermissionDenied):
		return http.StatusFailedDependency
	case errors.Is(err, core.ErrChannelUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrNotAuthenticated):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
