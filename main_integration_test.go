package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/face-attendance/internal/config"
	"github.com/example/face-attendance/internal/usecase"
)

const testOrigin = "http://localhost:5173"

// blockingVerifier holds every request until released.
type blockingVerifier struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingVerifier) Verify(ctx context.Context, requestID, encoded string) (*usecase.Outcome, error) {
	select {
	case <-b.started:
	default:
		close(b.started)
	}
	<-b.release
	return &usecase.Outcome{RequestID: requestID, Status: usecase.StatusMatched}, nil
}

func TestServerGracefulShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	verifier := &blockingVerifier{started: make(chan struct{}), release: make(chan struct{})}
	defer func() {
		select {
		case <-verifier.release:
		default:
			close(verifier.release)
		}
	}()

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	cfg := config.Config{AllowedOrigin: testOrigin}
	server := &http.Server{Handler: newRouter(cfg, verifier, logger)}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Post("http://"+addr+"/verify", "application/json", strings.NewReader(`{"image":"abc"}`))
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-verifier.started:
		t.Log("request started")
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(verifier.release)
	t.Log("released request")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"matched"`) {
			t.Fatalf("unexpected body: %s", string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestApplicationCloseLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	app := &application{logger: zap.New(core)}

	var order []string
	app.addCloser("redis", func() error {
		order = append(order, "redis")
		return nil
	})
	app.addCloser("face_verifier", func() error {
		order = append(order, "face_verifier")
		return errors.New("connection already closed")
	})
	app.Close()

	if strings.Join(order, ",") != "face_verifier,redis" {
		t.Fatalf("unexpected close order: %v", order)
	}
	entries := logs.FilterMessage("failed to close connection").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["resource"] != "face_verifier" || fields["error"] != "connection already closed" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestNewAppFailsWithoutReferenceImage(t *testing.T) {
	cfg := config.Config{
		AllowedOrigin:      testOrigin,
		ReferenceImagePath: filepath.Join(t.TempDir(), "reference.jpg"),
		VerifierBackend:    config.BackendDeepFace,
		DeepFaceURL:        "http://127.0.0.1:1",
	}

	app, err := newApp(context.Background(), cfg, zap.NewNop())
	if err == nil {
		app.Close()
		t.Fatal("expected startup to fail")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if !strings.Contains(err.Error(), "reference.jpg") {
		t.Fatalf("expected path in error, got %v", err)
	}
}

// fakeDeepFace accepts only JPEG and PNG data URIs, verifies when both images
// are byte-identical and fails face detection for JPEG probes.
func fakeDeepFace(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Img1 string `json:"img1"`
			Img2 string `json:"img2"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad request"}`))
			return
		}
		for _, img := range []string{req.Img1, req.Img2} {
			if !strings.HasPrefix(img, "data:image/jpeg") && !strings.HasPrefix(img, "data:image/png") {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"Input image can be jpg or png"}`))
				return
			}
		}
		if strings.HasPrefix(req.Img1, "data:image/jpeg") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Exception while verifying: Face could not be detected - Traceback (most recent call last): ..."}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"verified":  req.Img1 == req.Img2,
			"distance":  0.2,
			"threshold": 0.4,
			"model":     "VGG-Face",
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func encodePNG(t *testing.T, width int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, 4))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func TestVerifyEndToEndWithDeepFace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	deepface := fakeDeepFace(t)

	reference := encodePNG(t, 8)
	refPath := filepath.Join(t.TempDir(), "reference.png")
	if err := os.WriteFile(refPath, reference, 0o600); err != nil {
		t.Fatalf("failed to write reference: %v", err)
	}

	cfg := config.Config{
		AllowedOrigin:      testOrigin,
		ReferenceImagePath: refPath,
		VerifierBackend:    config.BackendDeepFace,
		DeepFaceURL:        deepface.URL,
		MaxBodyBytes:       1 << 20,
	}
	app, err := newApp(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	t.Cleanup(app.Close)
	handler := app.server.Handler

	post := func(encoded string) (int, map[string]string, http.Header) {
		body, _ := json.Marshal(map[string]string{"image": encoded})
		req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", testOrigin)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)

		var payload map[string]string
		if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to decode response %q: %v", resp.Body.String(), err)
		}
		return resp.Code, payload, resp.Header()
	}

	code, payload, header := post("data:image/png;base64," + base64.StdEncoding.EncodeToString(reference))
	if code != http.StatusOK || payload["result"] != "matched" {
		t.Fatalf("expected match, got %d %v", code, payload)
	}
	if payload["message"] != "Face verified. Attendance marked!" {
		t.Fatalf("unexpected message %q", payload["message"])
	}
	if got := header.Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Fatalf("unexpected allow origin %q", got)
	}

	code, payload, _ = post(base64.StdEncoding.EncodeToString(encodePNG(t, 5)))
	if code != http.StatusOK || payload["result"] != "unmatched" || payload["message"] != "Face not matched." {
		t.Fatalf("expected no match, got %d %v", code, payload)
	}

	code, payload, _ = post("data:image/png;base64,@@@")
	if code != http.StatusBadRequest || payload["message"] != "Failed to decode image." {
		t.Fatalf("expected decode failure, got %d %v", code, payload)
	}

	var capture bytes.Buffer
	if err := gif.Encode(&capture, image.NewPaletted(image.Rect(0, 0, 6, 4), color.Palette{color.Black, color.White}), nil); err != nil {
		t.Fatalf("failed to encode gif: %v", err)
	}
	code, payload, _ = post("data:image/gif;base64," + base64.StdEncoding.EncodeToString(capture.Bytes()))
	if code != http.StatusOK || payload["result"] != "unmatched" {
		t.Fatalf("expected gif capture to be verified, got %d %v", code, payload)
	}

	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	code, payload, _ = post("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpg.Bytes()))
	if code != http.StatusInternalServerError {
		t.Fatalf("expected backend failure, got %d %v", code, payload)
	}
	if payload["message"] != "Error: Exception while verifying: Face could not be detected" {
		t.Fatalf("unexpected error message %q", payload["message"])
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
