package gateway

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"lukechampine.com/blake3"

	"merchantd/crypto"
	"merchantd/storage"
)

// idempotency replays the stored response for a repeated mutating request.
// The fingerprint covers method, path, body and instance, so the same body
// posted twice yields byte-identical responses without re-running the
// handler.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "request body exceeds limit")
				return
			}
			writeError(w, http.StatusBadRequest, CodeMalformed, err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		instanceID := chi.URLParam(r, "instance")
		fingerprint := requestFingerprint(r.Method, r.URL.Path, instanceID, body)

		if rec, err := s.store.LookupIdempotency(r.Context(), fingerprint); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.Status)
			_, _ = w.Write(rec.Body)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		// Server faults are not replayable outcomes.
		if recorder.status < http.StatusInternalServerError {
			_ = s.store.SaveIdempotency(r.Context(), storage.IdempotencyRecord{
				Fingerprint: fingerprint,
				InstanceID:  instanceID,
				Method:      r.Method,
				Path:        r.URL.Path,
				Status:      recorder.status,
				Body:        recorder.body.Bytes(),
			})
		}
	})
}

func requestFingerprint(method, path, instanceID string, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(instanceID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return crypto.EncodeBase32(h.Sum(nil))
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
