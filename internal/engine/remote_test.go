package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestRemote(t *testing.T, handler http.HandlerFunc) *Remote {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRemote(srv.URL, 5*time.Second, "", log)
}

func TestDetectAndClassify(t *testing.T) {
	r := newTestRemote(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/faces/detect" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		if err := req.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"faces": [
			{"index": 0, "gender": "male", "confidence": 0.97, "box": {"x": 10, "y": 20, "width": 100, "height": 120}},
			{"index": 1, "gender": "female", "confidence": 0.91, "box": {"x": 200, "y": 30, "width": 90, "height": 110}}
		]}`)
	})

	faces, err := r.DetectAndClassify(context.Background(), []byte("png-bytes"))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(faces) != 2 {
		t.Fatalf("expected 2 faces, got %d", len(faces))
	}
	if faces[0].Gender != GenderMale || faces[0].Box.Width != 100 {
		t.Fatalf("first face decoded wrong: %+v", faces[0])
	}
	if faces[1].Index != 1 || faces[1].Gender != GenderFemale {
		t.Fatalf("second face decoded wrong: %+v", faces[1])
	}
}

func TestDetectServerError(t *testing.T) {
	r := newTestRemote(t, func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	})

	_, err := r.DetectAndClassify(context.Background(), []byte("png-bytes"))
	var aerr *AnalysisError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AnalysisError, got %v", err)
	}
}

func TestSwapReturnsImageBytes(t *testing.T) {
	r := newTestRemote(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/faces/swap" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		if err := req.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := req.FormValue("target_face_index"); got != "1" {
			t.Errorf("target_face_index = %q", got)
		}
		w.Write([]byte("rendered-image"))
	})

	out, err := r.Swap(context.Background(), []byte("face"), []byte("target"), 1)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !bytes.Equal(out, []byte("rendered-image")) {
		t.Fatalf("swap output = %q", out)
	}
}

func TestSwapEmptyBodyIsError(t *testing.T) {
	r := newTestRemote(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	_, err := r.Swap(context.Background(), []byte("face"), []byte("target"), 0)
	var serr *SwapError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SwapError, got %v", err)
	}
}
