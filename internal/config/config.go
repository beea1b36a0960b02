package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Verifier backends.
const (
	BackendDeepFace = "deepface"
	BackendGRPC     = "grpc"
)

// Config holds the process configuration read from the environment.
type Config struct {
	HTTPAddr           string `env:"HTTP_ADDR" envDefault:":5000"`
	AllowedOrigin      string `env:"ALLOWED_ORIGIN" envDefault:"http://localhost:5173"`
	ReferenceImagePath string `env:"REFERENCE_IMAGE_PATH" envDefault:"reference.jpg"`

	VerifierBackend    string `env:"VERIFIER_BACKEND" envDefault:"deepface"`
	DeepFaceURL        string `env:"DEEPFACE_URL" envDefault:"http://localhost:5005"`
	FaceVerifierAddr   string `env:"FACE_VERIFIER_ADDR" envDefault:"localhost:50051"`
	FaceModel          string `env:"FACE_MODEL"`
	FaceDetector       string `env:"FACE_DETECTOR"`
	FaceDistanceMetric string `env:"FACE_DISTANCE_METRIC"`

	// VerifyTimeout bounds one backend call. Zero leaves it unbounded.
	VerifyTimeout time.Duration `env:"VERIFY_TIMEOUT" envDefault:"0s"`

	// RedisAddr enables the result cache when set.
	RedisAddr string        `env:"REDIS_ADDR"`
	CacheTTL  time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES" envDefault:"10485760"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration values the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.VerifierBackend) {
	case BackendDeepFace:
		if strings.TrimSpace(c.DeepFaceURL) == "" {
			errs = append(errs, errors.New("DEEPFACE_URL is required for the deepface backend"))
		}
	case BackendGRPC:
		if strings.TrimSpace(c.FaceVerifierAddr) == "" {
			errs = append(errs, errors.New("FACE_VERIFIER_ADDR is required for the grpc backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown VERIFIER_BACKEND %q", c.VerifierBackend))
	}
	if strings.TrimSpace(c.ReferenceImagePath) == "" {
		errs = append(errs, errors.New("REFERENCE_IMAGE_PATH must not be empty"))
	}
	if origin := strings.TrimSpace(c.AllowedOrigin); origin == "" {
		errs = append(errs, errors.New("ALLOWED_ORIGIN must not be empty"))
	} else if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		errs = append(errs, fmt.Errorf("ALLOWED_ORIGIN %q must be an http or https origin", origin))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MAX_BODY_BYTES must be positive"))
	}
	if c.VerifyTimeout < 0 {
		errs = append(errs, errors.New("VERIFY_TIMEOUT must not be negative"))
	}
	if c.RedisAddr != "" && c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive when REDIS_ADDR is set"))
	}
	return errors.Join(errs...)
}

// Backend returns the normalized verifier backend name.
func (c Config) Backend() string {
	return strings.ToLower(c.VerifierBackend)
}
