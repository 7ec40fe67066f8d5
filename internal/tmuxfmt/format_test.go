package tmuxfmt

import (
	"reflect"
	"testing"
)

func TestJoinAndSplit(t *testing.T) {
	line := Join("ctt-a", "1700000000", "1", "0")
	got := SplitLine(line, 4)
	want := []string{"ctt-a", "1700000000", "1", "0"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}
}

func TestSplitLineUnderscoreFallbackKeepsLeadingField(t *testing.T) {
	got := SplitLine("my_session_1700000000_1_0", 4)
	want := []string{"my_session", "1700000000", "1", "0"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}
}

func TestSplitLineSingleField(t *testing.T) {
	got := SplitLine("ctt-a", 4)
	if len(got) != 1 || got[0] != "ctt-a" {
		t.Fatalf("unexpected split: %#v", got)
	}
	if SplitLine("x", 0) != nil {
		t.Fatalf("expected nil for maxParts 0")
	}
}
