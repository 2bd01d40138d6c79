package id

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewIsValidAndSortable(t *testing.T) {
	a := New()
	time.Sleep(2 * time.Millisecond)
	b := New()

	if !IsValid(a) || !IsValid(b) {
		t.Fatalf("expected generated ids to be valid, got %q %q", a, b)
	}
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected 26-char ids, got %d %d", len(a), len(b))
	}
	if a >= b {
		t.Fatalf("expected %q < %q (sortable by generation order)", a, b)
	}
}

func TestIsValidRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "short", "not-a-valid-ulid-string!!", New() + "x"} {
		if IsValid(bad) {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}

func TestIDsGeneratedAtIncreasingTimesSort(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("monotonic generation yields non-decreasing ids", prop.ForAll(
		func(n uint8) bool {
			count := int(n%20) + 2
			prev := ""
			for i := 0; i < count; i++ {
				cur := New()
				if !IsValid(cur) {
					return false
				}
				if prev != "" && cur < prev {
					return false
				}
				prev = cur
			}
			return true
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

func TestNewUUIDIsRandomAndDistinctFromULID(t *testing.T) {
	u := NewUUID()
	if len(u) != 36 {
		t.Fatalf("expected a 36-char UUID string, got %q", u)
	}
	if IsValid(u) {
		t.Fatalf("a UUID should not parse as a 26-char ULID")
	}
}
