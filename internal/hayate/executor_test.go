package hayate

import (
	"fmt"
	"testing"
)

func TestOutputTailKeepsLastLines(t *testing.T) {
	tail := NewOutputTail(3)
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(tail, "line %d\n", i)
	}
	lines := tail.Lines()
	if len(lines) != 3 {
		t.Fatalf("kept %d lines, want 3", len(lines))
	}
	if lines[0] != "line 3" || lines[2] != "line 5" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestOutputTailPartialWrites(t *testing.T) {
	tail := NewOutputTail(10)
	tail.Write([]byte("hel"))
	tail.Write([]byte("lo\nwor"))
	tail.Write([]byte("ld"))

	lines := tail.Lines()
	if len(lines) != 2 {
		t.Fatalf("lines = %v, want [hello world]", lines)
	}
	if lines[0] != "hello" || lines[1] != "world" {
		t.Fatalf("lines = %v", lines)
	}
	if tail.String() != "hello\nworld" {
		t.Fatalf("String() = %q", tail.String())
	}
}

func TestHumanReadableSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{3 * 1024 * 1024, "3.0 MiB"},
		{5 * 1024 * 1024 * 1024, "5.0 GiB"},
	}
	for _, tt := range tests {
		if got := humanReadableSize(tt.in); got != tt.want {
			t.Fatalf("humanReadableSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
