package resource

import (
	"encoding/json"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()
	for _, rt := range All() {
		got, err := Parse(rt.String())
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", rt.String(), err)
		}
		if got != rt {
			t.Fatalf("Parse(%q) = %v, want %v", rt.String(), got, rt)
		}
	}
	if _, err := Parse("notes"); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if got, _ := Parse("  Sprints "); got != Sprints {
		t.Fatalf("Parse is not case/space tolerant: %v", got)
	}
}

func TestTypeJSONMapKey(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(map[Type]int{Tasks: 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"tasks":1}` {
		t.Fatalf("unexpected json: %s", b)
	}
	var out map[Type]int
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out[Tasks] != 1 {
		t.Fatalf("unexpected map: %v", out)
	}
}
