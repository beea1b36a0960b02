// Package deepface talks to a DeepFace API server over HTTP.
package deepface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/faceverify"
	"github.com/example/face-attendance/internal/imagecodec"
	"github.com/example/face-attendance/internal/logging"
)

// BackendName identifies this backend in errors and logs.
const BackendName = "deepface"

// maxErrorBody caps how much of a failed response is read.
const maxErrorBody = 64 << 10

type verifyRequest struct {
	Img1             string `json:"img1"`
	Img2             string `json:"img2"`
	EnforceDetection bool   `json:"enforce_detection"`
	ModelName        string `json:"model_name,omitempty"`
	DetectorBackend  string `json:"detector_backend,omitempty"`
	DistanceMetric   string `json:"distance_metric,omitempty"`
	AntiSpoofing     bool   `json:"anti_spoofing"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client implements faceverify.Verifier against DeepFace's POST /verify.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a client for the API rooted at baseURL.
// A nil httpClient selects one with a generous timeout for model inference.
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.Named("deepface_client"),
	}
}

// Verify sends both pictures as JPEG or PNG data URIs and decodes DeepFace's verdict.
func (c *Client) Verify(ctx context.Context, probe, reference *imagecodec.Picture, opts faceverify.Options) (*faceverify.Result, error) {
	if probe == nil || reference == nil {
		return nil, errors.New("deepface: probe and reference pictures are required")
	}

	// DeepFace only loads JPEG and PNG from base64.
	img1, err := probe.PortableDataURI()
	if err != nil {
		return nil, fmt.Errorf("encode probe picture: %w", err)
	}
	img2, err := reference.PortableDataURI()
	if err != nil {
		return nil, fmt.Errorf("encode reference picture: %w", err)
	}

	body, err := json.Marshal(verifyRequest{
		Img1:             img1,
		Img2:             img2,
		EnforceDetection: opts.EnforceDetection,
		ModelName:        opts.ModelName,
		DetectorBackend:  opts.DetectorBackend,
		DistanceMetric:   opts.DistanceMetric,
	})
	if err != nil {
		return nil, fmt.Errorf("encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("deepface.verify", "", err)
		c.logger.Error("deepface call failed", zap.Error(wrapped), zap.String("url", c.baseURL))
		return nil, &faceverify.Error{Backend: BackendName, Err: wrapped}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeFailure(resp)
	}

	var result faceverify.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &faceverify.Error{
			Backend: BackendName,
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("decode deepface response: %v", err),
			Err:     err,
		}
	}
	return &result, nil
}

func (c *Client) decodeFailure(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload errorResponse
	message := ""
	if err := json.Unmarshal(raw, &payload); err == nil {
		message = payload.Error
		if message == "" {
			message = payload.Message
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = fmt.Sprintf("deepface responded with status %d", resp.StatusCode)
	}
	message = trimTraceback(message)

	c.logger.Warn("deepface rejected verification",
		zap.Int("status", resp.StatusCode),
		zap.String("message", message),
	)
	return &faceverify.Error{Backend: BackendName, Code: resp.StatusCode, Message: message}
}

// trimTraceback drops the Python traceback DeepFace appends to exception text.
func trimTraceback(message string) string {
	if i := strings.Index(message, " - Traceback"); i >= 0 {
		return strings.TrimSpace(message[:i])
	}
	return message
}

// Ping checks that the API root answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deepface unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

var _ faceverify.Verifier = (*Client)(nil)
