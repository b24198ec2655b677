package textutil

import "testing"

func TestTruncate_ShortensAndAppendsEllipsis(t *testing.T) {
	got := Truncate("hello world", 8)
	if got != "hello..." {
		t.Fatalf("got %q", got)
	}
}

func TestTruncate_LeavesShortStringsAlone(t *testing.T) {
	got := Truncate("hi", 8)
	if got != "hi" {
		t.Fatalf("got %q", got)
	}
}

func TestCoalesce_ReturnsFirstNonBlank(t *testing.T) {
	got := Coalesce("", "  ", "first", "second")
	if got != "first" {
		t.Fatalf("got %q", got)
	}
}

func TestUnique_PreservesOrderAndDropsDuplicates(t *testing.T) {
	got := Unique([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestContains_FindsTarget(t *testing.T) {
	if !Contains([]string{"x", "y"}, "y") {
		t.Fatal("expected to find y")
	}
	if Contains([]string{"x", "y"}, "z") {
		t.Fatal("did not expect to find z")
	}
}
