package relayserver

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func SetupRouter(ctx context.Context, mode string, ctl *Controller) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	v1.POST("/presence", ctl.HandlePresence)
	v1.POST("/sessions/:id/token", ctl.HandleToken)
	v1.GET("/sessions/:id/ws", func(c *gin.Context) {
		ctl.HandleChannel(ctx, c)
	})

	log.Info().Str("module", "relayserver").Msg("router setup")
	return r
}
