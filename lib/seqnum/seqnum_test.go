package seqnum

import "testing"

func TestPacketWrap(t *testing.T) {
	max := int32(Packet.Mask())
	num1 := Packet.Init(max - 5)
	num2 := Packet.Init(max)
	num3 := Packet.Init(max + 5)
	if num1 != uint16(max-5) || num2 != uint16(max) || num3 != 4 {
		t.Fatalf("unexpected init values %d %d %d", num1, num2, num3)
	}

	gt := []struct{ l, r uint16 }{{num2, num1}, {num3, num1}, {num3, num2}}
	for _, tt := range gt {
		if !Packet.GreaterThan(tt.l, tt.r) {
			t.Errorf("For (%d, %d), expected true, but got false", tt.l, tt.r)
		}
	}

	diffs := []struct {
		a, b uint16
		want int32
	}{
		{num2, num1, 5}, {num3, num1, 10}, {num3, num2, 5},
		{num1, num2, -5}, {num1, num3, -10}, {num2, num3, -5},
	}
	for _, tt := range diffs {
		if got := Packet.Diff(tt.a, tt.b); got != tt.want {
			t.Errorf("For (%d, %d), expected %d, but got %d", tt.a, tt.b, tt.want, got)
		}
	}
}

// Properties over the whole space. Pairs exactly half the space apart are
// skipped: both directions yield -Count/2 there.
func TestPacketProperties(t *testing.T) {
	count := Packet.Count()
	for a := uint32(0); a < count; a += 7 {
		for b := uint32(0); b < count; b += 13 {
			x, y := uint16(a), uint16(b)
			if (a-b)&Packet.Mask() == count/2 {
				continue
			}
			if Packet.Diff(x, y) != -Packet.Diff(y, x) {
				t.Fatalf("For (%d, %d), expected antisymmetric diff, but got %d and %d", a, b, Packet.Diff(x, y), Packet.Diff(y, x))
			}
			if Packet.GreaterThan(x, y) != (Packet.Diff(x, y) > 0) {
				t.Fatalf("For (%d, %d), expected greater_than == diff > 0", a, b)
			}
			if Packet.GreaterEqual(x, y) != (Packet.GreaterThan(x, y) || x == y) {
				t.Fatalf("For (%d, %d), expected greater_equal == gt || eq", a, b)
			}
		}
	}
}

func TestReliableSpace(t *testing.T) {
	if Reliable.Count() != 1024 {
		t.Fatalf("expected 1024, but got %d", Reliable.Count())
	}
	if got := Reliable.Inc(1023, 2); got != 1 {
		t.Errorf("expected 1, but got %d", got)
	}
	if got := Reliable.Diff(1, 1023); got != 2 {
		t.Errorf("expected 2, but got %d", got)
	}
	// half the space apart is negative in both directions
	for _, pair := range [][2]uint16{{512, 0}, {0, 512}, {700, 188}} {
		if got := Reliable.Diff(pair[0], pair[1]); got != -512 {
			t.Errorf("For (%d, %d), expected -512, but got %d", pair[0], pair[1], got)
		}
	}
}

func TestMakeRelative(t *testing.T) {
	tests := []struct {
		value, ref, want int32
	}{
		{5, 4, 5},
		{0, 1023, 1024},
		{1, 1023, 1025},
		{1020, 1025, 1020},
		{3, 2050, 2051},
		{1023, 2048, 2047},
	}
	for _, tt := range tests {
		if got := MakeRelative(tt.value, tt.ref, 1024); got != tt.want {
			t.Errorf("For (%d, %d), expected %d, but got %d", tt.value, tt.ref, tt.want, got)
		}
	}
}
