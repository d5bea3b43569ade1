package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/openstream/internal/errs"
)

const maxBodyBytes = 64 << 20

// errorBody is the shape of every error response.
type errorBody struct {
	Error        string `json:"error"`
	Detail       string `json:"detail"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps an error kind to its HTTP status.
func statusOf(k errs.Kind) int {
	switch k {
	case errs.KindInvalid:
		return http.StatusBadRequest
	case errs.KindAdmissionRejected:
		return http.StatusTooManyRequests
	case errs.KindUnavailable, errs.KindLeaseLost:
		return http.StatusServiceUnavailable
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and writes {"error": kind, "detail": msg}.
// Rejections also set Retry-After in whole seconds, rounded up.
func writeError(w http.ResponseWriter, err error) {
	k := errs.KindOf(err)
	body := errorBody{Error: k.String(), Detail: err.Error()}
	if k == errs.KindAdmissionRejected {
		retry := errs.RetryAfter(err)
		body.RetryAfterMs = retry.Milliseconds()
		setRetryAfter(w, retry)
	}
	writeJSON(w, statusOf(k), body)
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}

// errBodyShape marks a body that is not valid JSON for the endpoint.
var errBodyShape = errors.New("malformed request body")

// decodeBody decodes a JSON body into dst. An empty body leaves dst as is.
// A malformed body is answered with 422 and false is returned.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:  errs.KindInvalid.String(),
			Detail: fmt.Sprintf("%v: %v", errBodyShape, err),
		})
		return false
	}
	return true
}

// parseInts parses a comma separated list such as "0,2,5".
func parseInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errs.Invalidf("http", "invalid integer %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

// parseLimit parses a limit string. Returns 0 for empty or invalid values.
func parseLimit(limitStr string) int {
	if limitStr == "" {
		return 0
	}
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return 0
}

// parseTimestamp parses a timestamp string and returns Unix milliseconds.
//
// Supports both RFC3339 format and raw millisecond timestamps.
// Returns 0 for empty strings or invalid values.
func parseTimestamp(ts string) int64 {
	if ts == "" {
		return 0
	}
	if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
		return ms
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UnixMilli()
	}
	return 0
}

// parseBool returns true for "true" or "1".
func parseBool(s string) bool {
	return s == "true" || s == "1"
}

// msOrDefault converts an optional millisecond field. Values beyond the
// Duration range saturate so range checks downstream still reject them.
func msOrDefault(ms *int64, def time.Duration) time.Duration {
	if ms == nil {
		return def
	}
	const limit = math.MaxInt64 / int64(time.Millisecond)
	switch {
	case *ms > limit:
		return time.Duration(math.MaxInt64)
	case *ms < -limit:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(*ms) * time.Millisecond
}
