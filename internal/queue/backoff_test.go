package queue

import (
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 >= 4*time.Second {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b40 := backoffWithJitter(base, max, 40)
	if b40 < max/2 || b40 > max {
		t.Fatalf("backoff not capped: %s", b40)
	}
}

func TestBackoffZeroConfig(t *testing.T) {
	if d := backoffWithJitter(0, 0, 2); d <= 0 {
		t.Fatalf("expected positive backoff, got %s", d)
	}
}
