package job

import (
	"encoding/json"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	terminal := map[Status]bool{Done: true, Failed: true, Canceled: true, Killed: true, Timeout: true}
	for _, s := range All() {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Fatalf("%s.IsTerminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestStatusCodesAreStable(t *testing.T) {
	t.Parallel()
	want := map[Status]int{Waiting: 0, Postponed: 1, Processing: 2, Done: 3, Failed: 4, Canceled: 5, Killed: 6, Timeout: 7}
	for s, code := range want {
		if int(s) != code {
			t.Fatalf("%s = %d, want %d", s, int(s), code)
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Status
	}{
		{"waiting", Waiting},
		{"POSTPONED", Postponed},
		{" processing ", Processing},
		{"cancelled", Canceled},
		{"7", Timeout},
	}
	for _, tt := range tests {
		got, err := ParseStatus(tt.raw)
		if err != nil {
			t.Fatalf("ParseStatus(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseStatus(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
	for _, raw := range []string{"", "8", "-1", "running"} {
		if _, err := ParseStatus(raw); err == nil {
			t.Fatalf("ParseStatus(%q): expected error", raw)
		}
	}
}

func TestStatusJSONUsesNames(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(struct {
		S Status `json:"s"`
	}{S: Killed})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"s":"killed"}` {
		t.Fatalf("got %s", b)
	}
	var out struct {
		S Status `json:"s"`
	}
	if err := json.Unmarshal([]byte(`{"s":"timeout"}`), &out); err != nil {
		t.Fatal(err)
	}
	if out.S != Timeout {
		t.Fatalf("got %s", out.S)
	}
}
