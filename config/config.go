package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server reads from the environment.
type Config struct {
	Port     string
	LogLevel string

	PostgresURI string
	MongoURI    string
	MongoDB     string
	RedisAddr   string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	SignalingURL         string
	SignalingBaseDelay   time.Duration
	SignalingMaxAttempts int
	ICEServers           []string

	TranscriptionURL        string
	TranscriptionAPIKey     string
	TranscriptionSampleRate int

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioTwiMLURL   string

	PlacementMaxAttempts int
	PlacementRetryDelay  time.Duration
	QueueWorkers         int

	GCPProject       string
	VertexLocation   string
	VertexModel      string
	RecordingsBucket string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    envOr("PORT", "8080"),
		LogLevel:                os.Getenv("LOG_LEVEL"),
		PostgresURI:             os.Getenv("POSTGRES_URI"),
		MongoURI:                os.Getenv("MONGO_URI"),
		MongoDB:                 envOr("MONGO_DB", "repconnect"),
		RedisAddr:               firstEnv("REDIS_ADDR", "REDIS_URI", "REDIS_URL"),
		JWTSecret:               os.Getenv("SUPABASE_JWT_SECRET"),
		JWTIssuer:               os.Getenv("SUPABASE_JWT_ISSUER"),
		JWTAudience:             os.Getenv("SUPABASE_JWT_AUDIENCE"),
		SignalingURL:            os.Getenv("SIGNALING_URL"),
		SignalingBaseDelay:      time.Second,
		SignalingMaxAttempts:    5,
		ICEServers:              []string{"stun:stun.l.google.com:19302"},
		TranscriptionURL:        envOr("TRANSCRIPTION_URL", "wss://api.deepgram.com/v1/listen"),
		TranscriptionAPIKey:     os.Getenv("TRANSCRIPTION_API_KEY"),
		TranscriptionSampleRate: 16000,
		TwilioAccountSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:         os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:        os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioTwiMLURL:          os.Getenv("TWILIO_TWIML_URL"),
		PlacementMaxAttempts:    3,
		PlacementRetryDelay:     2 * time.Second,
		QueueWorkers:            2,
		GCPProject:              os.Getenv("GCP_PROJECT"),
		VertexLocation:          envOr("VERTEX_LOCATION", "us-central1"),
		VertexModel:             envOr("VERTEX_MODEL", "gemini-1.5-flash"),
		RecordingsBucket:        os.Getenv("RECORDINGS_BUCKET"),
	}

	var err error
	if cfg.SignalingBaseDelay, err = durationEnv("SIGNALING_BASE_DELAY", cfg.SignalingBaseDelay); err != nil {
		return nil, err
	}
	if cfg.SignalingMaxAttempts, err = intEnv("SIGNALING_MAX_ATTEMPTS", cfg.SignalingMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.TranscriptionSampleRate, err = intEnv("TRANSCRIPTION_SAMPLE_RATE", cfg.TranscriptionSampleRate); err != nil {
		return nil, err
	}
	if cfg.PlacementMaxAttempts, err = intEnv("PLACEMENT_MAX_ATTEMPTS", cfg.PlacementMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.PlacementRetryDelay, err = durationEnv("PLACEMENT_RETRY_DELAY", cfg.PlacementRetryDelay); err != nil {
		return nil, err
	}
	if cfg.QueueWorkers, err = intEnv("QUEUE_WORKERS", cfg.QueueWorkers); err != nil {
		return nil, err
	}
	if v := os.Getenv("ICE_SERVERS"); v != "" {
		cfg.ICEServers = splitList(v)
	}

	if cfg.PlacementMaxAttempts < 1 {
		return nil, fmt.Errorf("PLACEMENT_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.SignalingMaxAttempts < 1 {
		return nil, fmt.Errorf("SIGNALING_MAX_ATTEMPTS must be >= 1")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// durationEnv accepts Go durations ("1500ms") or plain milliseconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
