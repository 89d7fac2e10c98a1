package api

import (
	"encoding/json"
	"strconv"
	"testing"
)

func TestParseOperation(t *testing.T) {
	cases := map[string]Operation{
		"lock":       OperationLock,
		"UNLOCK":     OperationUnlock,
		" Increment": OperationIncrement,
		"decrement":  OperationDecrement,
		"TTL":        OperationTTL,
	}
	for in, want := range cases {
		got, ok := ParseOperation(in)
		if !ok || got != want {
			t.Fatalf("ParseOperation(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseOperation("explode"); ok {
		t.Fatal("unexpected match for unknown operation")
	}
}

func TestPatchRequestValueForms(t *testing.T) {
	cases := []struct {
		body    string
		present bool
		want    string
	}{
		{`{"operation":"ttl","value":"30"}`, true, "30"},
		{`{"operation":"ttl","value":30}`, true, "30"},
		{`{"operation":"ttl","value":1.5}`, true, "1.5"},
		{`{"operation":"ttl"}`, false, ""},
	}
	for _, tc := range cases {
		var req PatchRequest
		if err := json.Unmarshal([]byte(tc.body), &req); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.body, err)
		}
		if (req.Value != nil) != tc.present {
			t.Fatalf("%s: value presence = %v", tc.body, req.Value != nil)
		}
		if tc.present && string(*req.Value) != tc.want {
			t.Fatalf("%s: value = %q, want %q", tc.body, *req.Value, tc.want)
		}
	}
	var req PatchRequest
	if err := json.Unmarshal([]byte(`{"operation":"ttl","value":{"x":1}}`), &req); err == nil {
		t.Fatal("expected error for object value")
	}
}

func TestPatchValueSeconds(t *testing.T) {
	if n, err := PatchValue(" 60 ").Seconds(); err != nil || n != 60 {
		t.Fatalf("Seconds = %d, %v", n, err)
	}
	limit := PatchValue(strconv.FormatInt(MaxTTLSeconds, 10))
	if n, err := limit.Seconds(); err != nil || n != MaxTTLSeconds {
		t.Fatalf("Seconds(max) = %d, %v", n, err)
	}
	for _, bad := range []PatchValue{"", "abc", "1.5", "-1", "10000000000", PatchValue(strconv.FormatInt(MaxTTLSeconds+1, 10))} {
		if _, err := bad.Seconds(); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestMessages(t *testing.T) {
	if got := MessageInvalidOperation("x"); got != `Invalid Operation "x".` {
		t.Fatalf("unexpected message %q", got)
	}
	if got := MessageValueSizeLimit(7340032); got != "The maximum allowed value size is 7340032 bytes." {
		t.Fatalf("unexpected message %q", got)
	}
	if !IsValueSizeLimitMessage(MessageValueSizeLimit(1)) || IsValueSizeLimitMessage(MessageMissingBody) {
		t.Fatal("value size limit message not recognised")
	}
}
