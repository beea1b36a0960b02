package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/config"
	"github.com/example/face-attendance/internal/deepface"
	"github.com/example/face-attendance/internal/faceverify"
	"github.com/example/face-attendance/internal/grpcclient"
	"github.com/example/face-attendance/internal/handlers"
	"github.com/example/face-attendance/internal/imagecodec"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/middleware"
	"github.com/example/face-attendance/internal/usecase"
)

func main() {
	cfg, cfgErr := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer app.Close()

	logger.Info("face verification API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("backend", cfg.Backend()),
		zap.String("allowed_origin", cfg.AllowedOrigin),
	)
	if err := serveHTTPServer(app.server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

type closer struct {
	name  string
	close func() error
}

type application struct {
	server  *http.Server
	logger  *zap.Logger
	closers []closer
}

func (a *application) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

// Close releases backend connections in reverse order of creation.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("failed to close connection", zap.String("resource", c.name), zap.Error(err))
		}
	}
}

// newApp loads the reference image, connects the verifier and cache, and
// builds the HTTP server. Any error means the process must not serve traffic.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	reference, err := imagecodec.LoadReference(cfg.ReferenceImagePath)
	if err != nil {
		return nil, fmt.Errorf("%s not found or unreadable: %w", cfg.ReferenceImagePath, err)
	}
	logger.Info("reference image loaded",
		zap.String("path", cfg.ReferenceImagePath),
		zap.String("format", reference.Format),
		zap.Int("width", reference.Bounds().Dx()),
		zap.Int("height", reference.Bounds().Dy()),
	)

	app := &application{logger: logger}
	verifier, err := initVerifier(ctx, cfg, logger, app)
	if err != nil {
		app.Close()
		return nil, err
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		client, err := initRedis(redisCtx, cfg.RedisAddr)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.addCloser("redis", client.Close)
		cache = usecase.NewRedisCache(client)
	}

	uc := usecase.NewVerificationUseCase(reference, verifier, cache, usecase.Settings{
		Options: faceverify.Options{
			ModelName:       cfg.FaceModel,
			DetectorBackend: cfg.FaceDetector,
			DistanceMetric:  cfg.FaceDistanceMetric,
		},
		CacheTTL:      cfg.CacheTTL,
		VerifyTimeout: cfg.VerifyTimeout,
	}, logger)
	logger.Info("verification use case ready", zap.Stringer("usecase", uc))

	app.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, uc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

func newRouter(cfg config.Config, uc handlers.Verifier, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog(logger),
		middleware.CORS(cfg.AllowedOrigin),
	)
	handlers.RegisterRoutes(r, uc, handlers.Options{MaxBodySize: cfg.MaxBodyBytes, Logger: logger})
	return r
}

func initVerifier(ctx context.Context, cfg config.Config, logger *zap.Logger, app *application) (faceverify.Verifier, error) {
	switch cfg.Backend() {
	case config.BackendGRPC:
		client, conn, err := grpcclient.DialFaceVerifier(ctx, cfg.FaceVerifierAddr, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to face verifier: %w", err)
		}
		app.addCloser("face_verifier", conn.Close)
		return client, nil
	default:
		client := deepface.NewClient(cfg.DeepFaceURL, nil, logger)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := client.Ping(pingCtx); err != nil {
			logger.Warn("deepface service not available yet", zap.Error(err), zap.String("url", cfg.DeepFaceURL))
		}
		return client, nil
	}
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
