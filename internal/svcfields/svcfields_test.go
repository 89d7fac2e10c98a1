package svcfields

import "testing"

func TestSubsystemJoinsNonEmptyParts(t *testing.T) {
	cases := map[string][]string{
		"api.http.router.kv.get": {HTTPRouter, "kv", "get"},
		"store.memory":           {"", " store.", StoreMemory[len("store."):]},
		"":                       {" ", "."},
	}
	for want, parts := range cases {
		if got := Subsystem(parts...); got != want {
			t.Fatalf("Subsystem(%q) = %q, want %q", parts, got, want)
		}
	}
}

func TestWithSubsystemToleratesNilLogger(t *testing.T) {
	if WithSubsystem(nil, NotifyBus) == nil {
		t.Fatal("expected a logger")
	}
}
