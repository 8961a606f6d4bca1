package processmgr

import (
	"strconv"
	"testing"
)

func TestLogBufferNewestFirst(t *testing.T) {
	var b logBuffer
	b.Append("one")
	b.Append("two")
	b.Append("three")

	got := b.Read(2)
	if len(got) != 2 || got[0] != "three" || got[1] != "two" {
		t.Fatalf("Read(2) = %v, want [three two]", got)
	}
}

func TestLogBufferEmpty(t *testing.T) {
	var b logBuffer
	if got := b.Read(10); got != nil {
		t.Fatalf("Read on empty = %v, want nil", got)
	}
}

func TestLogBufferWrap(t *testing.T) {
	var b logBuffer
	for i := 0; i < 650; i++ {
		b.Append(strconv.Itoa(i))
	}

	got := b.Read(0) // everything available
	if len(got) != 500 {
		t.Fatalf("len = %d, want 500", len(got))
	}
	if got[0] != "649" {
		t.Fatalf("newest = %q, want 649", got[0])
	}
	if got[499] != "150" {
		t.Fatalf("oldest = %q, want 150", got[499])
	}
}
