package domain

import (
	"encoding/json"
	"testing"
)

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{"": PriorityNormal, "low": PriorityLow, "HIGH": PriorityHigh, "Critical": PriorityCritical}
	for in, want := range cases {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatal("unknown priority accepted")
	}
}

func TestPriorityJSON(t *testing.T) {
	var v struct {
		P Priority `json:"p"`
	}
	if err := json.Unmarshal([]byte(`{"p":"critical"}`), &v); err != nil || v.P != PriorityCritical {
		t.Fatalf("got %v, %v", v.P, err)
	}
	b, _ := json.Marshal(v)
	if string(b) != `{"p":"CRITICAL"}` {
		t.Fatalf("marshal = %s", b)
	}
}

func TestParseHandler(t *testing.T) {
	if h, ok := ParseHandler(" Kai "); !ok || h != HandlerKai {
		t.Fatalf("got %q, %v", h, ok)
	}
	if _, ok := ParseHandler("zeus"); ok {
		t.Fatal("unknown handler accepted")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s not terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s terminal", s)
		}
	}
	if st, err := ParseStatus("running"); err != nil || st != StatusRunning {
		t.Fatalf("ParseStatus = %v, %v", st, err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	it := WorkItem{ID: "a", Payload: map[string]string{"k": "v"}}
	c := it.Clone()
	c.Payload["k"] = "changed"
	if it.Payload["k"] != "v" {
		t.Fatal("clone shares payload")
	}
}
