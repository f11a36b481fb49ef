package ring

import (
	"testing"

	"github.com/jnesss/cpu-guardian/telemetry"
)

func sampleN(n uint64) telemetry.Sample {
	return telemetry.Sample{TimestampNs: n, Cycles: n * 100, Instructions: n * 50}
}

func TestCapacityRounding(t *testing.T) {
	tests := []struct {
		name      string
		requested uint64
		expected  uint64
	}{
		{"exact power of two", 16, 16},
		{"one", 1, 1},
		{"rounds up", 17, 32},
		{"large odd", 1000, 1024},
		{"default", 8192, 8192},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.requested)
			if err != nil {
				t.Fatalf("New(%d): %v", tt.requested, err)
			}
			if got := b.Capacity(); got != tt.expected {
				t.Errorf("Capacity: got %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestZeroCapacityRejected(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("New(0) should fail")
	}
}

func TestPushPopOrder(t *testing.T) {
	b, _ := New(64)

	for i := uint64(0); i < 10; i++ {
		s := sampleN(i)
		if !b.Push(&s) {
			t.Fatalf("push %d failed on non-full buffer", i)
		}
	}

	if got := b.Count(); got != 10 {
		t.Fatalf("Count: got %d, want 10", got)
	}

	var out telemetry.Sample
	for i := uint64(0); i < 10; i++ {
		if !b.Pop(&out) {
			t.Fatalf("pop %d failed on non-empty buffer", i)
		}
		if out.TimestampNs != i {
			t.Errorf("pop %d: got timestamp %d, want %d", i, out.TimestampNs, i)
		}
	}

	if !b.Empty() {
		t.Error("buffer should be empty after draining")
	}
	if b.Pop(&out) {
		t.Error("pop on empty buffer should fail")
	}
}

func TestOverflow(t *testing.T) {
	// Capacity 16 holds 15 samples; of 32 pushes exactly 15 succeed.
	b, _ := New(16)

	succeeded := 0
	failed := 0
	for i := uint64(0); i < 32; i++ {
		s := sampleN(i)
		if b.Push(&s) {
			succeeded++
		} else {
			failed++
		}
	}

	if succeeded != 15 {
		t.Errorf("successful pushes: got %d, want 15", succeeded)
	}
	if failed != 17 {
		t.Errorf("failed pushes: got %d, want 17", failed)
	}

	// The survivors are the first 15 pushed, in order.
	var out telemetry.Sample
	for i := uint64(0); i < 15; i++ {
		if !b.Pop(&out) {
			t.Fatalf("pop %d failed", i)
		}
		if out.TimestampNs != i {
			t.Errorf("pop %d: got timestamp %d, want %d", i, out.TimestampNs, i)
		}
	}
	if b.Pop(&out) {
		t.Error("buffer should be drained")
	}
}

func TestWrapAround(t *testing.T) {
	b, _ := New(8)

	// Drive the indices across the power-of-two boundary several times.
	var out telemetry.Sample
	seq := uint64(0)
	for round := 0; round < 10; round++ {
		for i := 0; i < 5; i++ {
			s := sampleN(seq)
			if !b.Push(&s) {
				t.Fatalf("push failed at seq %d", seq)
			}
			seq++
		}
		for i := 0; i < 5; i++ {
			if !b.Pop(&out) {
				t.Fatalf("pop failed in round %d", round)
			}
			want := seq - 5 + uint64(i)
			if out.TimestampNs != want {
				t.Fatalf("round %d: got timestamp %d, want %d", round, out.TimestampNs, want)
			}
		}
	}
}

func TestCountBounds(t *testing.T) {
	b, _ := New(16)

	for i := uint64(0); i < 100; i++ {
		s := sampleN(i)
		b.Push(&s)
		if c := b.Count(); c > b.Capacity()-1 {
			t.Fatalf("count %d exceeds usable capacity %d", c, b.Capacity()-1)
		}
	}
}

func TestConcurrentSPSC(t *testing.T) {
	b, _ := New(64)
	const total = 100000

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(0); i < total; {
			s := sampleN(i)
			if b.Push(&s) {
				i++
			}
		}
	}()

	var out telemetry.Sample
	for want := uint64(0); want < total; {
		if !b.Pop(&out) {
			continue
		}
		if out.TimestampNs != want {
			t.Fatalf("got timestamp %d, want %d", out.TimestampNs, want)
		}
		if out.Cycles != want*100 || out.Instructions != want*50 {
			t.Fatalf("sample %d: payload corrupted", want)
		}
		want++
	}
	<-done
}
