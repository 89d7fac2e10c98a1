package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/lucid/api"
	"pkt.systems/lucid/internal/storage"
)

const allowedKVMethods = "GET, HEAD, PUT, DELETE, PATCH"

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request) error {
	key := r.PathValue("key")
	if key == "" {
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: api.MessageNotFound}
	}
	switch r.Method {
	case http.MethodGet:
		return h.handleGet(w, r, key)
	case http.MethodHead:
		return h.handleHead(w, r, key)
	case http.MethodPut:
		return h.handlePut(w, r, key)
	case http.MethodDelete:
		return h.handleDelete(w, r, key)
	case http.MethodPatch:
		return h.handlePatch(w, r, key)
	default:
		w.Header().Set("Allow", allowedKVMethods)
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: api.MessageMethodNotAllowed}
	}
}

// handleGet godoc
// @Summary      Read a value
// @Description  Returns the stored bytes verbatim with the stored content type. Metadata is exposed through Last-Modified and the X-Lucid-* headers.
// @Tags         kv
// @Produce      octet-stream
// @Param        key  path  string  true  "Key"
// @Success      200  {string}  string  "Stored value"
// @Failure      401  {object}  api.ErrorResponse
// @Failure      404  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /api/kv/{key} [get]
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, key string) error {
	entry, err := h.lookup(r.Context(), key)
	if err != nil {
		return err
	}
	for k, v := range entryHeaders(entry) {
		w.Header().Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(entry.Data); err != nil {
		h.loggerFor(r.Context()).Debug("http.response.write_failed", "key", key, "error", err)
	}
	return nil
}

// handleHead godoc
// @Summary      Read value metadata
// @Description  Same headers as GET without a body.
// @Tags         kv
// @Param        key  path  string  true  "Key"
// @Success      200
// @Failure      401  {object}  api.ErrorResponse
// @Failure      404  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /api/kv/{key} [head]
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, key string) error {
	entry, err := h.lookup(r.Context(), key)
	if err != nil {
		return err
	}
	for k, v := range entryHeaders(entry) {
		w.Header().Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// handlePut godoc
// @Summary      Store a value
// @Description  Creates or replaces the value under key. The request Content-Type is stored when present, otherwise it is sniffed from the payload. Locked keys keep their value and answer 403.
// @Tags         kv
// @Accept       octet-stream
// @Produce      json
// @Param        key   path  string  true  "Key"
// @Param        body  body  string  true  "Value"
// @Success      200  {object}  api.MessageResponse
// @Success      201  {object}  api.MessageResponse
// @Failure      400  {object}  api.ErrorResponse
// @Failure      401  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /api/kv/{key} [put]
func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, key string) error {
	payload, err := h.readBody(w, r)
	if err != nil {
		return err
	}
	ctx := r.Context()
	prev, existed, err := h.store.Set(ctx, key, payload, declaredContentType(r))
	if err != nil {
		return err
	}
	if existed && prev.Locked {
		return httpError{Status: http.StatusForbidden, Code: "key_locked", Detail: api.MessageKeyLocked}
	}
	h.publish(ctx, key, payload)
	if existed {
		h.writeJSON(w, http.StatusOK, api.MessageResponse{Message: api.MessageUpdated}, nil)
		return nil
	}
	h.writeJSON(w, http.StatusCreated, api.MessageResponse{Message: api.MessageCreated}, nil)
	return nil
}

// handleDelete godoc
// @Summary      Delete a value
// @Tags         kv
// @Param        key  path  string  true  "Key"
// @Success      204
// @Failure      401  {object}  api.ErrorResponse
// @Failure      404  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /api/kv/{key} [delete]
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, key string) error {
	if !h.store.Delete(r.Context(), key) {
		return errKeyNotFound
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handlePatch godoc
// @Summary      Apply an operation to a value
// @Description  Operations are lock, unlock, increment, decrement and ttl (case-insensitive). ttl takes a non-negative integer number of seconds in value, as a JSON string or number. Expiration is recorded but not enforced.
// @Tags         kv
// @Accept       json
// @Produce      json
// @Param        key      path  string            true  "Key"
// @Param        request  body  api.PatchRequest  true  "Operation"
// @Success      200  {object}  api.PatchResponse
// @Failure      400  {object}  api.ErrorResponse
// @Failure      401  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Failure      404  {object}  api.ErrorResponse
// @Failure      409  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /api/kv/{key} [patch]
func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request, key string) error {
	body, err := h.readBody(w, r)
	if err != nil {
		return err
	}
	var req api.PatchRequest
	if err := decodeJSONBody(bytes.NewReader(body), &req); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: api.MessageInvalidBody}
	}
	if strings.TrimSpace(req.Operation) == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_parameter", Detail: api.MessageMissingParameter("operation")}
	}
	ctx := r.Context()
	if _, err := h.lookup(ctx, key); err != nil {
		return err
	}
	op, ok := api.ParseOperation(req.Operation)
	if !ok {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_operation", Detail: api.MessageInvalidOperation(req.Operation)}
	}
	switch op {
	case api.OperationLock, api.OperationUnlock:
		return h.patchLock(ctx, w, key, op == api.OperationLock)
	case api.OperationIncrement:
		return h.patchNumeric(ctx, w, key, 1)
	case api.OperationDecrement:
		return h.patchNumeric(ctx, w, key, -1)
	default:
		return h.patchTTL(ctx, w, key, req.Value)
	}
}

func (h *Handler) patchLock(ctx context.Context, w http.ResponseWriter, key string, locked bool) error {
	if !h.store.SwitchLock(ctx, key, locked) {
		detail := api.MessageAlreadyUnlocked
		if locked {
			detail = api.MessageAlreadyLocked
		}
		return httpError{Status: http.StatusConflict, Code: "lock_conflict", Detail: detail}
	}
	msg := api.MessageUnlocked
	if locked {
		msg = api.MessageLocked
	}
	h.writeJSON(w, http.StatusOK, api.PatchResponse{Message: msg}, nil)
	return nil
}

func (h *Handler) patchNumeric(ctx context.Context, w http.ResponseWriter, key string, delta float64) error {
	value, ok, err := h.store.IncrementOrDecrement(ctx, key, delta)
	switch {
	case errors.Is(err, storage.ErrLocked):
		return httpError{Status: http.StatusForbidden, Code: "key_locked", Detail: api.MessageKeyLocked}
	case err != nil:
		return err
	case !ok:
		if _, exists, _ := h.store.Get(ctx, key); !exists {
			return errKeyNotFound
		}
		return httpError{Status: http.StatusBadRequest, Code: "non_numeric_value", Detail: api.MessageNonNumeric}
	}
	h.publish(ctx, key, []byte(storage.FormatNumber(value)))
	msg := api.MessageIncremented
	if delta < 0 {
		msg = api.MessageDecremented
	}
	h.writeJSON(w, http.StatusOK, api.PatchResponse{Message: msg, Value: &value}, nil)
	return nil
}

func (h *Handler) patchTTL(ctx context.Context, w http.ResponseWriter, key string, raw *api.PatchValue) error {
	if raw == nil {
		return httpError{Status: http.StatusBadRequest, Code: "missing_parameter", Detail: api.MessageMissingParameter("value")}
	}
	seconds, err := raw.Seconds()
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_value", Detail: api.MessageInvalidTTL}
	}
	expireAt, ok := h.store.SetExpiration(ctx, key, time.Duration(seconds)*time.Second)
	if !ok {
		return errKeyNotFound
	}
	h.writeJSON(w, http.StatusOK, api.PatchResponse{
		Message:  api.MessageExpirationSet,
		ExpireAt: expireAt.Unix(),
	}, map[string]string{api.HeaderExpireAt: strconv.FormatInt(expireAt.Unix(), 10)})
	return nil
}

func (h *Handler) handleRobots(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: api.MessageMethodNotAllowed}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(api.RobotsTxt)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = io.WriteString(w, api.RobotsTxt)
	}
	return nil
}

func (h *Handler) handleNotFound(http.ResponseWriter, *http.Request) error {
	return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: api.MessageNotFound}
}

var errKeyNotFound = httpError{Status: http.StatusNotFound, Code: "key_not_found", Detail: api.MessageKeyNotFound}

// lookup maps a missing key to 404 and decrypt failures to an internal error.
func (h *Handler) lookup(ctx context.Context, key string) (storage.Entry, error) {
	entry, ok, err := h.store.Get(ctx, key)
	if err != nil {
		return storage.Entry{}, err
	}
	if !ok {
		return storage.Entry{}, errKeyNotFound
	}
	return entry, nil
}

func (h *Handler) publish(ctx context.Context, key string, payload []byte) {
	if h.bus == nil {
		return
	}
	value, ok := notifiableValue(payload)
	if !ok {
		h.loggerFor(ctx).Trace("notify.publish.skipped", "key", key, "reason", "binary")
		return
	}
	h.bus.Publish(ctx, key, value)
}
