package faceverify

import (
	"context"
	"fmt"

	"github.com/example/face-attendance/internal/imagecodec"
)

// FacialArea is the face bounding box a backend detected in one image.
type FacialArea struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// FacialAreas holds the detected areas for the probe (Img1) and the reference (Img2).
type FacialAreas struct {
	Img1 FacialArea `json:"img1"`
	Img2 FacialArea `json:"img2"`
}

// Result contains the outcome returned by the verification backend.
type Result struct {
	Verified         bool        `json:"verified"`
	Distance         float64     `json:"distance"`
	Threshold        float64     `json:"threshold"`
	Model            string      `json:"model,omitempty"`
	DetectorBackend  string      `json:"detector_backend,omitempty"`
	SimilarityMetric string      `json:"similarity_metric,omitempty"`
	FacialAreas      FacialAreas `json:"facial_areas"`
	Time             float64     `json:"time"`
}

// Options tunes one verification. Empty strings leave the backend default.
type Options struct {
	EnforceDetection bool
	ModelName        string
	DetectorBackend  string
	DistanceMetric   string
}

// Verifier compares a probe picture against a reference picture.
type Verifier interface {
	Verify(ctx context.Context, probe, reference *imagecodec.Picture, opts Options) (*Result, error)
}

// Error is a failure reported by a verification backend.
// Error() yields the backend message verbatim.
type Error struct {
	Backend string
	// Code is the transport status that carried the failure, if any.
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s backend failed", e.Backend)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
