// Package api defines the JSON wire types exchanged with the Lucid HTTP API.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Header names used by the HTTP API.
const (
	HeaderServer        = "Server"
	HeaderAuthorization = "Authorization"
	HeaderCreatedAt     = "X-Lucid-Created-At"
	HeaderExpireAt      = "X-Lucid-Expire-At"
	HeaderUpdateCount   = "X-Lucid-Update-Count"
	HeaderLocked        = "X-Lucid-Locked"
)

// Paths served by the HTTP API.
const (
	KVPathPrefix      = "/api/kv/"
	NotificationsPath = "/notifications"
	RobotsPath        = "/robots.txt"
)

// RobotsTxt is the body of /robots.txt.
const RobotsTxt = "User-agent: *\nDisallow: /"

// Canonical response messages.
const (
	MessageCreated          = "The specified key was successfully created."
	MessageUpdated          = "The specified key was successfully updated."
	MessageLocked           = "The specified key was successfully locked."
	MessageUnlocked         = "The specified key was successfully unlocked."
	MessageIncremented      = "The specified key was successfully incremented."
	MessageDecremented      = "The specified key was successfully decremented."
	MessageExpirationSet    = "The expiration of the specified key was successfully set."
	MessageMissingBody      = "Missing request body."
	MessageMissingAuth      = "Missing Authorization header."
	MessageInvalidToken     = "Invalid JWT token in Authorization header."
	MessageKeyNotFound      = "The specified key does not exist."
	MessageKeyLocked        = "The specified key is locked."
	MessageAlreadyLocked    = "The specified key is already locked."
	MessageAlreadyUnlocked  = "The specified key is already unlocked."
	MessageNonNumeric       = "The specified key does not hold a numeric value."
	MessageMethodNotAllowed = "Method not allowed."
	MessageNotFound         = "Not found."
	MessageNotifyClosed     = "Notifications are shutting down."
	MessageInternal         = "Internal server error."
	MessageInvalidBody      = "The request body is not valid JSON."
	MessageInvalidTTL       = "The \"value\" parameter must be a non-negative integer."
)

// MessageInvalidOperation renders the rejection message for an unknown PATCH
// operation.
func MessageInvalidOperation(op string) string {
	return fmt.Sprintf("Invalid Operation %q.", op)
}

// MessageMissingParameter renders the rejection message for an absent field.
func MessageMissingParameter(name string) string {
	return fmt.Sprintf("Missing %q parameter.", name)
}

const valueSizeLimitPrefix = "The maximum allowed value size is "

// MessageValueSizeLimit renders the rejection message for an oversized body.
func MessageValueSizeLimit(limit int64) string {
	return fmt.Sprintf("%s%d bytes.", valueSizeLimitPrefix, limit)
}

// IsValueSizeLimitMessage reports whether msg was rendered by
// MessageValueSizeLimit.
func IsValueSizeLimitMessage(msg string) bool {
	return strings.HasPrefix(msg, valueSizeLimitPrefix)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Message is a short, stable human readable description.
	Message string `json:"message"`
}

// MessageResponse acknowledges a successful mutation.
type MessageResponse struct {
	Message string `json:"message"`
}

// Operation names a PATCH sub-operation.
type Operation string

// Supported PATCH operations.
const (
	OperationLock      Operation = "lock"
	OperationUnlock    Operation = "unlock"
	OperationIncrement Operation = "increment"
	OperationDecrement Operation = "decrement"
	OperationTTL       Operation = "ttl"
)

// ParseOperation matches name case-insensitively against the supported
// operations.
func ParseOperation(name string) (Operation, bool) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(name))); op {
	case OperationLock, OperationUnlock, OperationIncrement, OperationDecrement, OperationTTL:
		return op, true
	default:
		return "", false
	}
}

// PatchRequest is the body of PATCH /api/kv/{key}.
type PatchRequest struct {
	// Operation is one of lock, unlock, increment, decrement or ttl.
	Operation string `json:"operation"`
	// Value carries the operation argument (seconds for ttl).
	Value *PatchValue `json:"value,omitempty"`
}

// PatchValue accepts either a JSON string or a JSON number and keeps its
// textual form.
type PatchValue string

// UnmarshalJSON implements json.Unmarshaler.
func (v *PatchValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = PatchValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("api: patch value must be a string or a number")
	}
	*v = PatchValue(n.String())
	return nil
}

// MaxTTLSeconds is the largest ttl that still fits in a time.Duration.
const MaxTTLSeconds = math.MaxInt64 / int64(time.Second)

// Seconds parses the value as an integer number of seconds in
// [0, MaxTTLSeconds].
func (v PatchValue) Seconds() (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("api: %q is not an integer", string(v))
	}
	if n < 0 {
		return 0, fmt.Errorf("api: %d is negative", n)
	}
	if n > MaxTTLSeconds {
		return 0, fmt.Errorf("api: %d exceeds the maximum ttl of %d seconds", n, MaxTTLSeconds)
	}
	return n, nil
}

// PatchResponse acknowledges a PATCH operation.
type PatchResponse struct {
	Message string `json:"message"`
	// Value is the stored number after increment or decrement.
	Value *float64 `json:"value,omitempty"`
	// ExpireAt is the recorded expiration instant (Unix seconds) after ttl.
	ExpireAt int64 `json:"expire_at,omitempty"`
}

// LaggedEventName is the SSE event type reporting skipped notifications.
// Change events always carry an id; lag reports never do, so a key with
// the same name stays distinguishable.
const LaggedEventName = "lucid.lagged"
