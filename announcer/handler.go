package announcer

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mikeydub/untappd-announcer/middleware"
	"github.com/mikeydub/untappd-announcer/service/logger"
	sentryutil "github.com/mikeydub/untappd-announcer/service/sentry"
	"github.com/mikeydub/untappd-announcer/util"
)

type commandResponse struct {
	Replies []string `json:"replies"`
}

func handlersInit(router *gin.Engine, commands *Router, relaySecret string) *gin.Engine {
	router.GET("/ping", ping())
	router.POST("/commands", middleware.RelaySecretRequired(relaySecret), handleCommand(commands))
	return router
}

func handleCommand(commands *Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg Message
		if err := c.ShouldBindJSON(&msg); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}

		ctx := logger.NewContextWithFields(c.Request.Context(), logrus.Fields{"room": msg.Room})
		sentryutil.SetChatUserContext(sentryutil.SentryHubFromContext(ctx).Scope(), msg.User.ID, msg.User.displayName())

		replies := commands.Dispatch(ctx, msg)
		if replies == nil {
			replies = []string{}
		}

		c.JSON(http.StatusOK, commandResponse{Replies: replies})
	}
}

func ping() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ping": "pong"})
	}
}
