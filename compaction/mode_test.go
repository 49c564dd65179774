package compaction

import "testing"

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{None, Snapshot, Sequential, Tombstone} {
		got, err := ParseMode(m.String())
		if err != nil {
			t.Fatalf("could not parse %q: %v", m.String(), err)
		}

		if got != m {
			t.Fatalf("expected mode %v, got %v", m, got)
		}
	}

	if _, err := ParseMode("incremental"); err == nil {
		t.Fatalf("expected error for unrecognized mode name")
	}
}

func TestModeString(t *testing.T) {
	if got := Sequential.String(); got != "sequential" {
		t.Fatalf("expected %q, got %q", "sequential", got)
	}

	if got := Mode(200).String(); got != "mode(200)" {
		t.Fatalf("expected %q, got %q", "mode(200)", got)
	}
}
