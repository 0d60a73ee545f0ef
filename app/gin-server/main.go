package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/BoweryJG/repconnect/config"
	"github.com/BoweryJG/repconnect/internal/api/handlers"
	"github.com/BoweryJG/repconnect/internal/api/middleware"
	"github.com/BoweryJG/repconnect/internal/api/routes"
	"github.com/BoweryJG/repconnect/internal/audiobridge"
	"github.com/BoweryJG/repconnect/internal/cache"
	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/events"
	"github.com/BoweryJG/repconnect/internal/logger"
	"github.com/BoweryJG/repconnect/internal/media"
	"github.com/BoweryJG/repconnect/internal/models"
	"github.com/BoweryJG/repconnect/internal/providers/llm"
	"github.com/BoweryJG/repconnect/internal/providers/stt"
	"github.com/BoweryJG/repconnect/internal/providers/telephony"
	mongorepo "github.com/BoweryJG/repconnect/internal/repositories/mongo"
	pgrepo "github.com/BoweryJG/repconnect/internal/repositories/postgres"
	"github.com/BoweryJG/repconnect/internal/retry"
	"github.com/BoweryJG/repconnect/internal/scoring"
	"github.com/BoweryJG/repconnect/internal/services"
	"github.com/BoweryJG/repconnect/internal/session"
	"github.com/BoweryJG/repconnect/internal/signaling"
	"github.com/BoweryJG/repconnect/internal/storage"
	"github.com/BoweryJG/repconnect/internal/voice"
	"github.com/BoweryJG/repconnect/internal/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init MongoDB
	mc, err := config.OpenMongo(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatalf("MongoDB init error: %v", err)
	}
	defer mc.Disconnect(context.Background())
	mdb := mc.Database(cfg.MongoDB)
	if err := config.EnsureMongoIndexes(ctx, mdb); err != nil {
		log.Fatalf("MongoDB index error: %v", err)
	}
	log.Info("MongoDB connected")

	// Init PostgreSQL
	db, err := config.OpenPostgres(cfg.PostgresURI)
	if err != nil {
		log.Fatalf("PostgreSQL init error: %v", err)
	}
	if err := db.AutoMigrate(&models.QueuedCall{}, &models.CallHistory{}); err != nil {
		log.Fatalf("PostgreSQL migrate error: %v", err)
	}
	log.Info("PostgreSQL connected")

	// Init Redis
	rdb, err := config.OpenRedis(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("Redis init error: %v", err)
	}
	defer rdb.Close()
	log.Info("Redis connected")

	if cfg.SignalingURL == "" {
		log.Fatal("SIGNALING_URL is not set")
	}

	clk := clock.Real()
	pub := events.NewRedisPublisher(rdb)

	// repositories
	contacts := pgrepo.NewContactRepo(db)
	calls := pgrepo.NewQueuedCallRepo(db)
	history := pgrepo.NewCallHistoryRepo(db)
	voiceSessions := mongorepo.NewVoiceSessionRepo(mdb)
	transcripts := mongorepo.NewTranscriptRepo(mdb)

	// realtime core
	reg := session.NewRegistry(clk)
	defer reg.Close()
	mic := media.NewLineIn(cfg.TranscriptionSampleRate)

	peers, err := voice.NewPionFactory(cfg.ICEServers)
	if err != nil {
		log.Fatalf("webrtc init error: %v", err)
	}

	sig := signaling.NewBridge(
		&signaling.WSDialer{URL: cfg.SignalingURL},
		retry.Exponential(cfg.SignalingMaxAttempts, cfg.SignalingBaseDelay, clk),
		log,
	)

	bridge := audiobridge.New(reg, &stt.WebsocketDialer{
		URL:        cfg.TranscriptionURL,
		APIKey:     cfg.TranscriptionAPIKey,
		SampleRate: cfg.TranscriptionSampleRate,
	}, audiobridge.Options{
		SampleRate: cfg.TranscriptionSampleRate,
		Clock:      clk,
		Logger:     log,
	})
	defer bridge.Close()

	manager := voice.NewManager(reg, mic, peers, sig, bridge, voice.Options{Clock: clk, Logger: log})
	defer manager.Shutdown()

	// providers
	phone := telephony.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, cfg.TwilioTwiMLURL)

	var coach services.CoachingService
	if cfg.GCPProject != "" {
		gemini, err := llm.NewVertexGemini(ctx, cfg.GCPProject, cfg.VertexLocation, cfg.VertexModel)
		if err != nil {
			log.Fatalf("Vertex AI init error: %v", err)
		}
		defer gemini.Close()
		coach = services.NewCoachingService(reg, gemini, pub, manager, bridge, services.CoachingConfig{Clock: clk, Logger: log})
	} else {
		log.Warn("GCP_PROJECT not set, live coaching disabled")
	}

	var recordings services.RecordingService
	if cfg.RecordingsBucket != "" {
		archive, err := storage.NewGCSArchive(ctx, cfg.RecordingsBucket)
		if err != nil {
			log.Fatalf("GCS init error: %v", err)
		}
		defer archive.Close()
		speech, err := stt.NewGoogleSpeech(ctx)
		if err != nil {
			log.Fatalf("Speech init error: %v", err)
		}
		defer speech.Close()
		recordings = services.NewRecordingService(phone, archive, archive, speech, history, log)
	} else {
		log.Warn("RECORDINGS_BUCKET not set, recording archive disabled")
	}

	// services
	engine := scoring.NewEngine()
	kv := cache.NewRedisCache(rdb, "repconnect:")
	queueSvc := services.NewQueueService(calls, history, phone, engine, kv,
		cache.NewRedisQueueIndex(rdb, 50),
		services.QueueConfig{
			Placement: retry.Fixed(cfg.PlacementMaxAttempts, cfg.PlacementRetryDelay, clk),
			Clock:     clk,
			Logger:    log,
		})
	syncSvc := services.NewSyncService(contacts, queueSvc, engine, kv, clk, log)
	sessionSvc := services.NewVoiceSessionService(voiceSessions, transcripts)
	transcriptSvc := services.NewTranscriptService(transcripts, pub, manager, coach, log)

	// workers
	runners := &workers.QueueRunnerPool{
		Redis:      rdb,
		Queues:     queueSvc,
		NumWorkers: cfg.QueueWorkers,
		Clock:      clk,
		Logger:     log,
	}
	if err := runners.Start(ctx); err != nil {
		log.Fatalf("queue runner init error: %v", err)
	}
	watcher := &workers.SessionWatcher{
		Changes:  reg.Changes(64),
		Sessions: sessionSvc,
		Bridge:   bridge,
		Pub:      pub,
		Logger:   log,
	}
	fanout := &workers.TranscriptFanout{Events: bridge.Events(256), Transcripts: transcriptSvc}
	signals := sig.Messages(64)

	go watcher.Run(ctx)
	go fanout.Run(ctx)
	go bridge.Run(ctx)
	go manager.Run(ctx, signals.C())
	go func() {
		if err := sig.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("signaling bridge stopped")
		}
	}()

	// HTTP
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))

	routes.RegisterRoutes(r, routes.Deps{
		Auth:    middleware.JWTOptions{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience},
		Queue:   handlers.NewQueueHandler(queueSvc, runners),
		Sync:    handlers.NewSyncHandler(syncSvc),
		Session: handlers.NewSessionHandler(manager, sessionSvc, recordings),
		Console: handlers.NewConsoleHandler(manager, mic, manager, bridge, rdb, log),
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.WithField("port", cfg.Port).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
}
