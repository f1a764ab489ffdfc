package envsafe

import (
	"reflect"
	"testing"
)

func TestIsSensitive(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"PASSWORD", true},
		{"DB_PASSWORD", true},
		{"db_password", true},
		{"GithubToken", true},
		{"AWS_SECRET_ACCESS_KEY", true},
		{"SSH_AUTH_SOCK", true},
		{"MY_API_KEY", true},
		{"PATH", false},
		{"HOME", false},
		{"LANG", false},
		{"EDITOR", false},
	}
	for _, tc := range cases {
		if got := IsSensitive(tc.name); got != tc.want {
			t.Errorf("IsSensitive(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRedact(t *testing.T) {
	in := []string{
		"PATH=/usr/bin",
		"DB_PASSWORD=hunter2",
		"HOME=/home/alice",
		"api_token=abc123",
		"NOEQUALS",
	}
	want := []string{
		"PATH=/usr/bin",
		"DB_PASSWORD=" + Redacted,
		"HOME=/home/alice",
		"api_token=" + Redacted,
		"NOEQUALS",
	}
	got := Redact(in)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Redact() = %v, want %v", got, want)
	}
}

func TestRedactPreservesOrder(t *testing.T) {
	in := []string{"B=2", "SECRET=x", "A=1"}
	got := Redact(in)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0] != "B=2" || got[2] != "A=1" {
		t.Errorf("order not preserved: %v", got)
	}
	if got[1] != "SECRET="+Redacted {
		t.Errorf("sensitive entry not redacted: %q", got[1])
	}
}

func TestRedactEmptyValue(t *testing.T) {
	got := Redact([]string{"TOKEN="})
	if got[0] != "TOKEN="+Redacted {
		t.Errorf("empty sensitive value should still be redacted, got %q", got[0])
	}
}

func TestFiltered(t *testing.T) {
	in := []string{
		"PATH=/usr/bin",
		"DB_PASSWORD=hunter2",
		"HOME=/home/alice",
	}
	want := []string{
		"PATH=/usr/bin",
		"HOME=/home/alice",
	}
	got := Filtered(in)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filtered() = %v, want %v", got, want)
	}
}

func TestRedactDoesNotMutateInput(t *testing.T) {
	in := []string{"SECRET=orig"}
	_ = Redact(in)
	if in[0] != "SECRET=orig" {
		t.Errorf("input slice mutated: %q", in[0])
	}
}
