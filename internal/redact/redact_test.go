package redact

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestRedactMasksMatchingKeys(t *testing.T) {
	in := map[string]any{
		"username": "alice",
		"password": "hunter2",
		"nested": map[string]any{
			"apiKey": "abc123",
			"note":   "keep me",
		},
	}
	out := Redact(in, DefaultSensitiveKeys).(map[string]any)

	if out["username"] != "alice" {
		t.Errorf("username should pass through, got %v", out["username"])
	}
	if out["password"] != Mask {
		t.Errorf("password should be masked, got %v", out["password"])
	}
	nested := out["nested"].(map[string]any)
	if nested["apiKey"] != Mask {
		t.Errorf("apiKey should be masked (case-insensitive substring), got %v", nested["apiKey"])
	}
	if nested["note"] != "keep me" {
		t.Errorf("note should pass through, got %v", nested["note"])
	}
}

func TestRedactDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"password": "hunter2"}
	Redact(in, DefaultSensitiveKeys)
	if in["password"] != "hunter2" {
		t.Errorf("input was mutated: %v", in["password"])
	}
}

func TestRedactNonObjectPassthrough(t *testing.T) {
	for _, v := range []any{"a string", 42, 3.14, true, nil} {
		if got := Redact(v, DefaultSensitiveKeys); got != v {
			t.Errorf("non-object %v should pass through, got %v", v, got)
		}
	}
}

func TestRedactIdempotent(t *testing.T) {
	in := map[string]any{
		"password": "hunter2",
		"profile":  map[string]any{"token": "t", "name": "n"},
		"tags":     []any{"x", map[string]any{"secret": "s"}},
	}
	once := Redact(in, DefaultSensitiveKeys)
	twice := Redact(once, DefaultSensitiveKeys)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("redaction should be a no-op on already-redacted values:\nonce:  %v\ntwice: %v", once, twice)
	}
}

func TestRedactCyclicValue(t *testing.T) {
	in := map[string]any{"name": "loop"}
	in["self"] = in

	out := Redact(in, DefaultSensitiveKeys).(map[string]any)
	if out["name"] != "loop" {
		t.Errorf("expected name=loop, got %v", out["name"])
	}
	if _, ok := out["self"]; ok {
		t.Error("cyclic branch should be dropped")
	}
}

func TestRedactCaseInsensitiveSubstring(t *testing.T) {
	cases := []struct {
		key    string
		masked bool
	}{
		{"Password", true},
		{"userPassword", true},
		{"API_KEY", true},
		{"AuthorizationHeader", true},
		{"address", false},
		{"pass", false}, // "pass" alone is not a configured substring
	}
	for _, tc := range cases {
		in := map[string]any{tc.key: "v"}
		out := Redact(in, DefaultSensitiveKeys).(map[string]any)
		got := out[tc.key] == Mask
		if got != tc.masked {
			t.Errorf("key %q: masked=%v, want %v", tc.key, got, tc.masked)
		}
	}
}

func TestMarshalCyclic(t *testing.T) {
	body := map[string]any{"field": "value"}
	body["me"] = body
	wrapper := map[string]any{"body": body, "list": []any{body}}

	data, err := Marshal(wrapper)
	if err != nil {
		t.Fatalf("Marshal on cyclic value: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if !strings.Contains(string(data), `"field":"value"`) {
		t.Errorf("non-cyclic content should survive, got %s", data)
	}
}

func TestMarshalPlainValue(t *testing.T) {
	data, err := Marshal(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("got %s", data)
	}
}
