package allocator

import "testing"

func TestGrowsOnRepeatedFullReads(t *testing.T) {
	h := NewHandle()
	start := Steps[h.step]
	h.IncBytesRead(start)
	h.IncBytesRead(start)
	if h.step == 0 {
		t.Fatalf("expected step to grow after two consecutive full reads")
	}
}

func TestShrinksOnShortRead(t *testing.T) {
	h := NewHandle()
	h.IncBytesRead(Steps[0])
	h.IncBytesRead(Steps[0])
	grown := h.step
	if grown == 0 {
		t.Fatalf("setup: expected handle to have grown")
	}
	h.IncBytesRead(1)
	if h.step >= grown {
		t.Fatalf("expected step to shrink after a short read, got %d (was %d)", h.step, grown)
	}
}

func TestContinueReadingAlways(t *testing.T) {
	h := NewHandle()
	h.IncBytesRead(1)
	if !h.ContinueReading(true) {
		t.Fatalf("always=true must always continue")
	}
}

func TestContinueReadingStopsOnShortRead(t *testing.T) {
	h := NewHandle()
	h.IncBytesRead(Steps[0] - 1)
	if h.ContinueReading(false) {
		t.Fatalf("a short read should stop the batch loop")
	}
}

func TestResetReturnsToSmallestStep(t *testing.T) {
	h := NewHandle()
	h.IncBytesRead(Steps[0])
	h.IncBytesRead(Steps[0])
	h.Reset()
	if h.step != 0 || h.LastBytesRead() != 0 {
		t.Fatalf("Reset did not clear state: step=%d lastBytes=%d", h.step, h.LastBytesRead())
	}
}

func TestReadCompleteClearsCycleCountButKeepsStep(t *testing.T) {
	h := NewHandle()
	h.IncBytesRead(Steps[0])
	h.IncBytesRead(Steps[0])
	grown := h.step
	if h.ReadsThisCycle() != 2 {
		t.Fatalf("expected 2 reads recorded, got %d", h.ReadsThisCycle())
	}
	h.ReadComplete()
	if h.ReadsThisCycle() != 0 {
		t.Fatalf("ReadComplete did not clear the cycle read count")
	}
	if h.step != grown {
		t.Fatalf("ReadComplete must not discard the adaptive step, got %d want %d", h.step, grown)
	}
}
