package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/middleware"
	"github.com/example/face-attendance/internal/usecase"
)

// DefaultMaxBodySize caps /verify request bodies when no limit is configured.
const DefaultMaxBodySize = 10 << 20

const (
	msgNoImage     = "No image data provided."
	msgDecodeFail  = "Failed to decode image."
	msgMatched     = "Face verified. Attendance marked!"
	msgUnmatched   = "Face not matched."
	errorMsgPrefix = "Error: "
)

// Verifier is the use case surface the handlers depend on.
type Verifier interface {
	Verify(ctx context.Context, requestID, encoded string) (*usecase.Outcome, error)
}

// verifyRequest is the /verify body. Image is a pointer so absence is distinguishable.
type verifyRequest struct {
	Image *string `json:"image"`
}

type verifyResponse struct {
	Result  usecase.Status `json:"result"`
	Message string         `json:"message"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Options configures RegisterRoutes.
type Options struct {
	MaxBodySize int64
	Logger      *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router gin.IRouter, uc Verifier, opts Options) {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &verifyHandler{uc: uc, maxBody: opts.MaxBodySize, logger: opts.Logger.Named("verify_handler")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/verify", h.verify)
}

type verifyHandler struct {
	uc      Verifier
	maxBody int64
	logger  *zap.Logger
}

func (h *verifyHandler) verify(c *gin.Context) {
	requestID, _ := middleware.RequestIDFromContext(c.Request.Context())
	opLogger := logging.WithOperation(h.logger, "handlers.verify", requestID)
	opLogger.Info("verification request received", zap.Int64("content_length", c.Request.ContentLength))

	encoded, err := h.readImage(c)
	if err != nil {
		opLogger.Warn("rejected verification request", zap.Error(err))
		message := msgNoImage
		if errors.Is(err, errBodyTooLarge) {
			message = msgDecodeFail
		}
		c.JSON(http.StatusBadRequest, messageResponse{Message: message})
		return
	}

	outcome, err := h.uc.Verify(c.Request.Context(), requestID, encoded)
	if err != nil {
		var failure *usecase.Failure
		if errors.As(err, &failure) && failure.Kind == usecase.KindInvalidImage {
			c.JSON(http.StatusBadRequest, messageResponse{Message: msgDecodeFail})
			return
		}
		reason := err.Error()
		if failure != nil {
			reason = failure.Reason()
		}
		opLogger.Error("error during verification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, messageResponse{Message: errorMsgPrefix + reason})
		return
	}

	if outcome.Matched() {
		c.JSON(http.StatusOK, verifyResponse{Result: usecase.StatusMatched, Message: msgMatched})
		return
	}
	c.JSON(http.StatusOK, verifyResponse{Result: usecase.StatusUnmatched, Message: msgUnmatched})
}

var (
	errNoImage      = errors.New("image field missing")
	errBodyTooLarge = errors.New("request body too large")
)

// readImage extracts the image string from the JSON body.
func (h *verifyHandler) readImage(c *gin.Context) (string, error) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return "", errNoImage
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", errBodyTooLarge
		}
		return "", err
	}

	var req verifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", errors.Join(errNoImage, err)
	}
	if req.Image == nil || *req.Image == "" {
		return "", errNoImage
	}
	return *req.Image, nil
}
