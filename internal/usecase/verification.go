package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/faceverify"
	"github.com/example/face-attendance/internal/imagecodec"
	"github.com/example/face-attendance/internal/logging"
)

// Settings tunes a VerificationUseCase.
type Settings struct {
	// Options are forwarded to the verifier. EnforceDetection is always set.
	Options faceverify.Options
	// CacheTTL is the lifetime of cached verdicts.
	CacheTTL time.Duration
	// VerifyTimeout bounds a verifier call. Zero means no bound.
	VerifyTimeout time.Duration
}

// VerificationUseCase compares submitted images against the reference picture.
type VerificationUseCase struct {
	reference       *imagecodec.Picture
	referenceDigest string
	verifier        faceverify.Verifier
	cache           Cache
	settings        Settings
	logger          *zap.Logger
	retryAttempts   int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
}

// NewVerificationUseCase constructs a new use case instance.
// The reference picture is held read-only for the lifetime of the use case.
// A nil cache disables result caching.
func NewVerificationUseCase(reference *imagecodec.Picture, verifier faceverify.Verifier, cache Cache, settings Settings, logger *zap.Logger) *VerificationUseCase {
	if settings.CacheTTL <= 0 {
		settings.CacheTTL = 5 * time.Minute
	}
	settings.Options.EnforceDetection = true

	uc := &VerificationUseCase{
		reference:      reference,
		verifier:       verifier,
		cache:          cache,
		settings:       settings,
		logger:         logger.Named("verification_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	if reference != nil {
		uc.referenceDigest = digest(reference.Data)
	}
	return uc
}

// Verify decodes the base64 payload and compares it with the reference picture.
// Errors are always *Failure. The verifier is called at most once.
func (uc *VerificationUseCase) Verify(ctx context.Context, requestID, encoded string) (*Outcome, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)

	probe, err := imagecodec.DecodeString(encoded)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.decode_image", requestID, err)
		opLogger.Warn("failed to decode image", zap.Error(wrapped))
		return nil, &Failure{Kind: KindInvalidImage, Err: wrapped}
	}
	bounds := probe.Bounds()
	opLogger.Debug("image decoded",
		zap.String("format", probe.Format),
		zap.Int("width", bounds.Dx()),
		zap.Int("height", bounds.Dy()),
	)

	if uc.reference == nil {
		err := logging.NewOperationError("usecase.verify_face", requestID, errors.New("reference image not loaded"))
		opLogger.Error("verification failed", zap.Error(err))
		return nil, &Failure{Kind: KindVerification, Err: err}
	}

	key := cacheKey(uc.referenceDigest, digest(probe.Data), uc.settings.Options)
	if cached, ok := uc.lookup(ctx, requestID, key); ok {
		opLogger.Info("verification result served from cache",
			zap.Bool("verified", cached.Result.Verified),
			zap.String("original_request_id", cached.RequestID),
		)
		return newOutcome(requestID, cached.Result, true), nil
	}

	opLogger.Info("verifying face")
	verifyCtx := ctx
	if uc.settings.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		verifyCtx, cancel = context.WithTimeout(ctx, uc.settings.VerifyTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := uc.verifier.Verify(verifyCtx, probe, uc.reference, uc.settings.Options)
	if err == nil && result == nil {
		err = errors.New("verifier returned no result")
	}
	if err != nil {
		wrapped := logging.NewOperationError("usecase.verify_face", requestID, err)
		opLogger.Error("verification failed", zap.Error(wrapped), zap.Duration("elapsed", time.Since(start)))
		return nil, &Failure{Kind: KindVerification, Err: wrapped}
	}

	opLogger.Info("verification result",
		zap.Bool("verified", result.Verified),
		zap.Float64("distance", result.Distance),
		zap.Float64("threshold", result.Threshold),
		zap.String("model", result.Model),
		zap.String("similarity_metric", result.SimilarityMetric),
		zap.Duration("elapsed", time.Since(start)),
	)

	uc.store(ctx, requestID, key, *result)
	return newOutcome(requestID, *result, false), nil
}

// lookup returns a cached verdict. Cache failures only log.
func (uc *VerificationUseCase) lookup(ctx context.Context, requestID, key string) (*cachedVerification, bool) {
	if uc.cache == nil {
		return nil, false
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.cache_lookup", requestID)

	raw, err := uc.withRedisGet(ctx, requestID, "cache.get.result", key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var payload cachedVerification
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		opLogger.Warn("failed to decode cached result", zap.Error(err))
		return nil, false
	}
	return &payload, true
}

// store caches a verdict. Cache failures only log.
func (uc *VerificationUseCase) store(ctx context.Context, requestID, key string, result faceverify.Result) {
	if uc.cache == nil {
		return
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.cache_store", requestID)

	serialized, err := json.Marshal(cachedVerification{
		RequestID: requestID,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		opLogger.Error("failed to serialize verification result", zap.Error(err))
		return
	}

	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.settings.CacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache verification result", zap.Error(err))
	}
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

// String describes the use case configuration for startup logs.
func (uc *VerificationUseCase) String() string {
	return fmt.Sprintf("reference=%s cache=%t model=%q detector=%q",
		uc.referenceDigest, uc.cache != nil, uc.settings.Options.ModelName, uc.settings.Options.DetectorBackend)
}
