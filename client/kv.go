package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"pkt.systems/lucid/api"
)

// Entry is a value together with the metadata the server exposes for it.
type Entry struct {
	Key         string
	Value       []byte
	ContentType string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// ExpireAt is zero when no expiration was recorded.
	ExpireAt    time.Time
	UpdateCount int64
	Locked      bool
}

// Get fetches key. Missing keys yield an error matching ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (*Entry, error) {
	resp, data, err := c.do(ctx, request{method: http.MethodGet, key: key})
	if err != nil {
		return nil, err
	}
	entry := entryFromHeaders(key, resp.Header)
	entry.Value = data
	return entry, nil
}

// Head fetches the metadata of key without its value.
func (c *Client) Head(ctx context.Context, key string) (*Entry, error) {
	resp, _, err := c.do(ctx, request{method: http.MethodHead, key: key})
	if err != nil {
		return nil, err
	}
	return entryFromHeaders(key, resp.Header), nil
}

// Put stores value under key and reports whether the key was created. An
// empty contentType lets the server sniff the type. Writing to a locked key
// yields an error matching ErrLocked.
func (c *Client) Put(ctx context.Context, key string, value []byte, contentType string) (bool, error) {
	if len(value) == 0 {
		return false, fmt.Errorf("client: empty value")
	}
	resp, _, err := c.do(ctx, request{method: http.MethodPut, key: key, body: value, contentType: contentType})
	if err != nil {
		return false, err
	}
	return resp.StatusCode == http.StatusCreated, nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, _, err := c.do(ctx, request{method: http.MethodDelete, key: key})
	return err
}

// Lock freezes the value of key. Locking an already locked key yields an
// error matching ErrConflict.
func (c *Client) Lock(ctx context.Context, key string) error {
	_, err := c.patch(ctx, key, api.OperationLock, "", false)
	return err
}

// Unlock releases a locked key.
func (c *Client) Unlock(ctx context.Context, key string) error {
	_, err := c.patch(ctx, key, api.OperationUnlock, "", false)
	return err
}

// Increment adds one to the numeric value of key and returns the result.
// Increments are never retried since the first attempt may have applied.
func (c *Client) Increment(ctx context.Context, key string) (float64, error) {
	return c.numeric(ctx, key, api.OperationIncrement)
}

// Decrement subtracts one from the numeric value of key and returns the
// result.
func (c *Client) Decrement(ctx context.Context, key string) (float64, error) {
	return c.numeric(ctx, key, api.OperationDecrement)
}

func (c *Client) numeric(ctx context.Context, key string, op api.Operation) (float64, error) {
	res, err := c.patch(ctx, key, op, "", true)
	if err != nil {
		return 0, err
	}
	if res.Value == nil {
		return 0, fmt.Errorf("client: %s response missing value", op)
	}
	return *res.Value, nil
}

// SetTTL records an advisory expiration ttl from now and returns the
// recorded instant. The server never evicts expired keys.
func (c *Client) SetTTL(ctx context.Context, key string, ttl time.Duration) (time.Time, error) {
	if ttl < 0 {
		return time.Time{}, fmt.Errorf("client: negative ttl")
	}
	seconds := strconv.FormatInt(int64(ttl/time.Second), 10)
	res, err := c.patch(ctx, key, api.OperationTTL, seconds, false)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(res.ExpireAt, 0).UTC(), nil
}

func (c *Client) patch(ctx context.Context, key string, op api.Operation, value string, noRetry bool) (*api.PatchResponse, error) {
	body := api.PatchRequest{Operation: string(op)}
	if value != "" {
		v := api.PatchValue(value)
		body.Value = &v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("client: encode patch: %w", err)
	}
	_, data, err := c.do(ctx, request{
		method:      http.MethodPatch,
		key:         key,
		body:        payload,
		contentType: "application/json",
		noRetry:     noRetry,
	})
	if err != nil {
		return nil, err
	}
	var res api.PatchResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("client: decode patch response: %w", err)
	}
	return &res, nil
}

func entryFromHeaders(key string, h http.Header) *Entry {
	entry := &Entry{
		Key:         key,
		ContentType: h.Get("Content-Type"),
		CreatedAt:   parseUnixHeader(h.Get(api.HeaderCreatedAt)),
		ExpireAt:    parseUnixHeader(h.Get(api.HeaderExpireAt)),
	}
	if updated, err := http.ParseTime(h.Get("Last-Modified")); err == nil {
		entry.UpdatedAt = updated.UTC()
	}
	if n, err := strconv.ParseInt(h.Get(api.HeaderUpdateCount), 10, 64); err == nil {
		entry.UpdateCount = n
	}
	entry.Locked, _ = strconv.ParseBool(h.Get(api.HeaderLocked))
	return entry
}

func parseUnixHeader(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
