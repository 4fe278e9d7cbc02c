package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Remote talks to an external face-service over HTTP. It implements
// both FaceAnalysisEngine and FaceSwapEngine; transport and non-2xx
// failures are mapped to AnalysisError/SwapError so callers never see
// raw HTTP errors.
type Remote struct {
	client *resty.Client
	log    *slog.Logger
}

// NewRemote builds a client for the face service at baseURL. apiKey is
// optional; when set it is sent as a bearer token.
func NewRemote(baseURL string, timeout time.Duration, apiKey string, logger *slog.Logger) *Remote {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &Remote{client: client, log: logger}
}

func (r *Remote) DetectAndClassify(ctx context.Context, image []byte) ([]FaceObservation, error) {
	var out struct {
		Faces []FaceObservation `json:"faces"`
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetFileReader("image", "image.png", bytes.NewReader(image)).
		SetResult(&out).
		Post("/v1/faces/detect")
	if err != nil {
		return nil, &AnalysisError{Reason: err.Error()}
	}
	if resp.IsError() {
		return nil, &AnalysisError{Reason: fmt.Sprintf("detect returned %s", resp.Status())}
	}
	r.log.Debug("remote detect", "faces", len(out.Faces), "bytes", len(image))
	return out.Faces, nil
}

func (r *Remote) Swap(ctx context.Context, sourceFace, target []byte, targetFaceIndex int) ([]byte, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetFileReader("source_face", "source.png", bytes.NewReader(sourceFace)).
		SetFileReader("target", "target.png", bytes.NewReader(target)).
		SetFormData(map[string]string{
			"target_face_index": strconv.Itoa(targetFaceIndex),
		}).
		Post("/v1/faces/swap")
	if err != nil {
		return nil, &SwapError{Reason: err.Error()}
	}
	if resp.IsError() {
		return nil, &SwapError{Reason: fmt.Sprintf("swap returned %s", resp.Status())}
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, &SwapError{Reason: "swap returned empty image"}
	}
	return body, nil
}
