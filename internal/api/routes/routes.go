package routes

import (
	"github.com/BoweryJG/repconnect/internal/api/handlers"
	"github.com/BoweryJG/repconnect/internal/api/middleware"
	"github.com/gin-gonic/gin"
)

type Deps struct {
	Auth    middleware.JWTOptions
	Queue   *handlers.QueueHandler
	Sync    *handlers.SyncHandler
	Session *handlers.SessionHandler
	Console *handlers.ConsoleHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	auth := r.Group("/")
	auth.Use(middleware.JWTAuth(d.Auth))

	auth.POST("/syncs", d.Sync.Create)
	auth.GET("/syncs/:sync_id", d.Sync.Get)
	auth.POST("/scoring/preview", d.Sync.Preview)

	auth.GET("/queues/recent", d.Queue.Recent)
	auth.GET("/queues/:queue_id", d.Queue.Get)
	auth.GET("/queues/:queue_id/progress", d.Queue.Progress)
	auth.POST("/queues/:queue_id/recover", d.Queue.Recover)
	auth.POST("/queues/:queue_id/next", d.Queue.Next)
	auth.POST("/queues/:queue_id/run", d.Queue.Run)
	auth.DELETE("/queues/:queue_id/pending", middleware.RequireManager(), d.Queue.RemovePending)
	auth.POST("/calls/:call_id/outcome", d.Queue.RecordOutcome)

	auth.POST("/sessions", d.Session.Start)
	auth.GET("/sessions/:session_id", d.Session.Get)
	auth.POST("/sessions/:session_id/end", d.Session.End)
	auth.POST("/sessions/:session_id/mute", d.Session.Mute)
	auth.POST("/sessions/:session_id/volume", d.Session.Volume)
	auth.GET("/sessions/:session_id/transcripts", d.Session.Transcripts)

	auth.POST("/recordings/:call_sid/archive", middleware.RequireManager(), d.Session.ArchiveRecordings)
	auth.GET("/recordings/:call_sid/url", d.Session.RecordingURL)

	// WebSocket
	auth.GET("/ws/console/:session_id", d.Console.ConsoleWS)
}
