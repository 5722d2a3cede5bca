package numeric

import (
	"math"
	"testing"
)

func TestRound(t *testing.T) {
	if got := Round(66.666666, 2); got != 66.67 {
		t.Fatalf("expected 66.67, got %v", got)
	}
	if got := Round(-0.123456, 4); got != -0.1235 {
		t.Fatalf("expected -0.1235, got %v", got)
	}
	if got := Round(math.Inf(1), 2); !math.IsInf(got, 1) {
		t.Fatalf("infinity should pass through, got %v", got)
	}
}

func TestPercent(t *testing.T) {
	if got := Percent(0.0001, 4); got != "0.0100%" {
		t.Fatalf("unexpected percent rendering: %s", got)
	}
}
