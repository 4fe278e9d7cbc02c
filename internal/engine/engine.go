package engine

import "context"

// Gender is the classification assigned to a detected face.
type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderUnknown Gender = "unknown"
)

// BoundingBox locates a face within an image, in pixels.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FaceObservation is one detected face. Index is the detection-order
// position and is the stable addressing key for face mappings.
type FaceObservation struct {
	Index      int         `json:"index"`
	Box        BoundingBox `json:"box"`
	Gender     Gender      `json:"gender"`
	Confidence float64     `json:"confidence"`
}

// FaceAnalysisEngine detects faces and classifies gender in an image.
type FaceAnalysisEngine interface {
	DetectAndClassify(ctx context.Context, image []byte) ([]FaceObservation, error)
}

// FaceSwapEngine renders one source face into one target face slot.
type FaceSwapEngine interface {
	Swap(ctx context.Context, sourceFace, target []byte, targetFaceIndex int) ([]byte, error)
}

// AnalysisError reports a failure from the face-analysis collaborator.
// It is captured into the owning template's error detail, never
// propagated past the preprocessing pipeline.
type AnalysisError struct {
	Reason string
}

func (e *AnalysisError) Error() string {
	return "face analysis: " + e.Reason
}

// SwapError reports a failure from the face-swap collaborator. It is
// captured into the owning task's error detail.
type SwapError struct {
	Reason string
}

func (e *SwapError) Error() string {
	return "face swap: " + e.Reason
}
