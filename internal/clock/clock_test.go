package clock

import "testing"

func TestManualAdvance(t *testing.T) {
	clk := NewManual(1000)
	if got := clk.Now(); got != 1000 {
		t.Fatalf("Now() = %d, want 1000", got)
	}

	value, err := clk.Advance(10)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if value != 1010 || clk.Now() != 1010 {
		t.Fatalf("Advance(10) = %d, Now() = %d, want 1010", value, clk.Now())
	}
}

func TestManualAdvanceRejectsNonPositive(t *testing.T) {
	clk := NewManual(5)
	for _, delta := range []int64{0, -1} {
		if _, err := clk.Advance(delta); err == nil {
			t.Errorf("Advance(%d) must fail", delta)
		}
	}
	if clk.Now() != 5 {
		t.Fatalf("failed advances must not move the clock, got %d", clk.Now())
	}
}

func TestManualSetMonotonic(t *testing.T) {
	clk := NewManual(100)
	if err := clk.Set(100); err != nil {
		t.Fatalf("Set to same value must succeed: %v", err)
	}
	if err := clk.Set(200); err != nil {
		t.Fatalf("Set forward: %v", err)
	}
	if err := clk.Set(150); err == nil {
		t.Fatal("Set backwards must fail")
	}
	if clk.Now() != 200 {
		t.Fatalf("Now() = %d, want 200", clk.Now())
	}
}
