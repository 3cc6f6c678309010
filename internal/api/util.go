package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/errs"
)

const maxBodyBytes = 1 << 20

var errNoRoute = errs.E(errs.NotFound, "no such operation")

// errorBody is the failure envelope.
type errorBody struct {
	Error  errs.Kind `json:"error"`
	Detail string    `json:"detail"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError writes the envelope for err. Credential sub-kinds are reported
// as unauthenticated and internal causes are never echoed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	public := errs.Public(kind)
	detail := errs.Detail(err)
	if kind != public {
		detail = "invalid credentials"
	}
	if public == errs.Internal {
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	if bw, ok := w.(*bufferedWriter); ok {
		bw.kind = kind
		bw.cause = err
	}
	writeJSON(w, errs.Status(kind), errorBody{Error: public, Detail: detail})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.E(errs.Validation, "request body is required")
		}
		return errs.E(errs.Validation, "invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errs.E(errs.Validation, "%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errs.E(errs.Validation, "%s must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}

func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, errs.E(errs.Validation, "%s must be a boolean", key)
	}
	return &b, nil
}

// bufferedWriter holds the response until the gate has written its audit record.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
	kind   errs.Kind
	cause  error
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: http.Header{}}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) code() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	for k, v := range b.header {
		w.Header()[k] = v
	}
	w.WriteHeader(b.code())
	w.Write(b.body.Bytes()) //nolint:errcheck
}
