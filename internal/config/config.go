// Package config loads rollcall settings from defaults, an optional YAML
// file, a .env file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/rollcall/internal/pipeline"
)

// Config represents the complete application configuration
type Config struct {
	Detection   DetectionConfig   `yaml:"detection"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Attendance  AttendanceConfig  `yaml:"attendance"`
	Engine      EngineConfig      `yaml:"engine"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type DetectionConfig struct {
	Confidence       float64 `yaml:"confidence" validate:"gte=0,lte=1"`
	MinFaceSize      int     `yaml:"min_face_size" validate:"gte=1"`
	MaxFacesPerFrame int     `yaml:"max_faces_per_frame" validate:"gte=0"`
}

type RecognitionConfig struct {
	Threshold    float64 `yaml:"threshold" validate:"gte=0,lte=1"`
	EmbeddingDim int     `yaml:"embedding_dim" validate:"gt=0"`
	DatabasePath string  `yaml:"database_path" validate:"required"`

	// Approximate candidate index, worthwhile for large stores only. An accepted
	// match may miss a better identity outside the candidates; near misses
	// are rechecked against the full store.
	IndexEnabled       bool `yaml:"index_enabled"`
	IndexCandidates    int  `yaml:"index_candidates" validate:"gte=1"`
	IndexMinIdentities int  `yaml:"index_min_identities" validate:"gte=0"`
}

type LivenessConfig struct {
	Threshold      float64 `yaml:"threshold" validate:"gte=0,lte=1"`
	MotionEnabled  bool    `yaml:"motion_enabled"`
	SequenceLength int     `yaml:"sequence_length" validate:"gte=1,lte=100"`
}

type PipelineConfig struct {
	ProcessingFPS     float64       `yaml:"processing_fps" validate:"gte=0"`
	CaptureRate       float64       `yaml:"capture_rate" validate:"gt=0"`
	MaxProcessingTime time.Duration `yaml:"max_processing_time" validate:"gte=0"`
}

type AttendanceConfig struct {
	Cooldown   time.Duration `yaml:"cooldown" validate:"gte=0"`
	BufferSize int           `yaml:"buffer_size" validate:"gt=0"`
	Workers    int           `yaml:"workers" validate:"gt=0"`
}

// EngineConfig describes the out-of-process ML engine.
type EngineConfig struct {
	Python      string        `yaml:"python" validate:"required"`
	Script      string        `yaml:"script" validate:"required"`
	Device      string        `yaml:"device" validate:"oneof=cpu cuda"`
	PingTimeout time.Duration `yaml:"ping_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"` // PostgreSQL connection URL, attendance events are not stored when empty
	MaxConns int32  `yaml:"max_conns" validate:"gte=1"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Detection: DetectionConfig{
			Confidence:       0.7,
			MinFaceSize:      50,
			MaxFacesPerFrame: 10,
		},
		Recognition: RecognitionConfig{
			Threshold:          0.6,
			EmbeddingDim:       512,
			DatabasePath:       "data/identities.json",
			IndexCandidates:    32,
			IndexMinIdentities: 1000,
		},
		Liveness: LivenessConfig{
			Threshold:      0.7,
			SequenceLength: 5,
		},
		Pipeline: PipelineConfig{
			ProcessingFPS:     5,
			CaptureRate:       30,
			MaxProcessingTime: 2 * time.Second,
		},
		Attendance: AttendanceConfig{
			Cooldown:   3 * time.Second,
			BufferSize: 1000,
			Workers:    2,
		},
		Engine: EngineConfig{
			Python:      "python3",
			Script:      "python/engine.py",
			Device:      "cpu",
			PingTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration. An empty path skips the YAML file; a path
// that cannot be read is an error. A .env file in the working directory is
// loaded when present and never overrides variables already set.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Detection.Confidence = getEnvAsFloat("FACE_DETECTION_CONFIDENCE", c.Detection.Confidence)
	c.Detection.MinFaceSize = getEnvAsInt("MIN_FACE_SIZE", c.Detection.MinFaceSize)
	c.Detection.MaxFacesPerFrame = getEnvAsInt("MAX_FACES_PER_FRAME", c.Detection.MaxFacesPerFrame)

	c.Recognition.Threshold = getEnvAsFloat("FACE_RECOGNITION_THRESHOLD", c.Recognition.Threshold)
	c.Recognition.EmbeddingDim = getEnvAsInt("EMBEDDING_DIM", c.Recognition.EmbeddingDim)
	c.Recognition.DatabasePath = getEnv("IDENTITY_DB_PATH", c.Recognition.DatabasePath)
	c.Recognition.IndexEnabled = getEnvAsBool("IDENTITY_INDEX_ENABLED", c.Recognition.IndexEnabled)

	c.Liveness.Threshold = getEnvAsFloat("LIVENESS_THRESHOLD", c.Liveness.Threshold)
	c.Liveness.MotionEnabled = getEnvAsBool("LIVENESS_MOTION_ENABLED", c.Liveness.MotionEnabled)
	c.Liveness.SequenceLength = getEnvAsInt("LIVENESS_SEQUENCE_LENGTH", c.Liveness.SequenceLength)

	c.Pipeline.ProcessingFPS = getEnvAsFloat("PROCESSING_FPS", c.Pipeline.ProcessingFPS)
	c.Pipeline.CaptureRate = getEnvAsFloat("CAPTURE_RATE", c.Pipeline.CaptureRate)
	c.Pipeline.MaxProcessingTime = getEnvAsDuration("MAX_PROCESSING_TIME", c.Pipeline.MaxProcessingTime)

	c.Attendance.Cooldown = getEnvAsDuration("ATTENDANCE_COOLDOWN", c.Attendance.Cooldown)

	c.Engine.Python = getEnv("ENGINE_PYTHON", c.Engine.Python)
	c.Engine.Script = getEnv("ENGINE_SCRIPT", c.Engine.Script)
	c.Engine.Device = strings.ToLower(getEnv("ENGINE_DEVICE", c.Engine.Device))

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)

	c.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Logging.Format))
}

var validate = validator.New()

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s' (%s)", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// PipelineConfig maps the settings onto the orchestrator's parameters.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		MinFaceSize:         c.Detection.MinFaceSize,
		MaxFacesPerFrame:    c.Detection.MaxFacesPerFrame,
		DetectionConfidence: c.Detection.Confidence,
		SimilarityThreshold: c.Recognition.Threshold,
		LivenessThreshold:   c.Liveness.Threshold,
		MotionEnabled:       c.Liveness.MotionEnabled,
		SequenceLength:      c.Liveness.SequenceLength,
		ProcessingFPS:       c.Pipeline.ProcessingFPS,
		CaptureRate:         c.Pipeline.CaptureRate,
		MaxProcessingTime:   c.Pipeline.MaxProcessingTime,
		Cooldown:            c.Attendance.Cooldown,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
