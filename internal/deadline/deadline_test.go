package deadline_test

import (
	"testing"
	"time"

	"pkt.systems/spalloc/internal/deadline"
)

func TestAtUnbounded(t *testing.T) {
	t.Parallel()

	now := time.Now()
	if dl := deadline.At(now, 0); !dl.IsZero() {
		t.Fatalf("zero timeout should be unbounded, got %v", dl)
	}
	if dl := deadline.At(now, -time.Second); !dl.IsZero() {
		t.Fatalf("negative timeout should be unbounded, got %v", dl)
	}
}

func TestAtBounded(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	dl := deadline.At(now, 5*time.Second)
	if want := now.Add(5 * time.Second); !dl.Equal(want) {
		t.Fatalf("deadline = %v, want %v", dl, want)
	}
}

func TestLeft(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	dl := now.Add(3 * time.Second)
	if left := deadline.Left(now, dl); left != 3*time.Second {
		t.Fatalf("left = %v, want 3s", left)
	}
	if left := deadline.Left(now.Add(10*time.Second), dl); left != 0 {
		t.Fatalf("past deadline should clamp to zero, got %v", left)
	}
	if left := deadline.Left(now, time.Time{}); left != -1 {
		t.Fatalf("unbounded deadline should report -1, got %v", left)
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	if deadline.Expired(now, time.Time{}) {
		t.Fatal("zero deadline must never expire")
	}
	if deadline.Expired(now, now.Add(time.Second)) {
		t.Fatal("future deadline reported expired")
	}
	if !deadline.Expired(now, now.Add(-time.Second)) {
		t.Fatal("past deadline not reported expired")
	}
}

func TestSooner(t *testing.T) {
	t.Parallel()

	a := time.Unix(1000, 0)
	b := time.Unix(2000, 0)
	if got := deadline.Sooner(a, b); !got.Equal(a) {
		t.Fatalf("Sooner(a,b) = %v, want %v", got, a)
	}
	if got := deadline.Sooner(b, a); !got.Equal(a) {
		t.Fatalf("Sooner(b,a) = %v, want %v", got, a)
	}
	if got := deadline.Sooner(time.Time{}, b); !got.Equal(b) {
		t.Fatalf("Sooner(zero,b) = %v, want %v", got, b)
	}
	if got := deadline.Sooner(a, time.Time{}); !got.Equal(a) {
		t.Fatalf("Sooner(a,zero) = %v, want %v", got, a)
	}
	if got := deadline.Sooner(time.Time{}, time.Time{}); !got.IsZero() {
		t.Fatalf("Sooner(zero,zero) = %v, want zero", got)
	}
}
