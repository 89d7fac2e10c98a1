package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"pkt.systems/lucid/api"
)

// readBody reads the request body within the effective size limit.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	tooLarge := httpError{
		Status: http.StatusBadRequest,
		Code:   "value_too_large",
		Detail: api.MessageValueSizeLimit(h.bodyLimit),
	}
	if r.ContentLength > h.bodyLimit {
		return nil, tooLarge
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, httpError{Status: http.StatusBadRequest, Code: "missing_body", Detail: api.MessageMissingBody}
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.bodyLimit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, tooLarge
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return nil, httpError{Status: http.StatusBadRequest, Code: "missing_body", Detail: api.MessageMissingBody}
	}
	return data, nil
}

// declaredContentType returns the request Content-Type when it parses as a
// media type, otherwise "" so the store sniffs the payload.
func declaredContentType(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Content-Type"))
	if raw == "" {
		return ""
	}
	if _, _, err := mime.ParseMediaType(raw); err != nil {
		return ""
	}
	return raw
}

func decodeJSONBody(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}
