package tokenshaper

import (
	"testing"
	"time"
)

func TestHierarchyResize(t *testing.T) {
	root := NewRoot("root", 10)
	vip := root.NewChild("vip", 0.10, 0.30)
	main := root.NewChild("main", 0.50, 0.70)
	upload := main.NewChild("upload", 0.50, 0.50)

	if err := root.Resize(100); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	if vip.Rate() != 10 || vip.Ceil() != 30 {
		t.Fatalf("vip = (%d, %d), want (10, 30)", vip.Rate(), vip.Ceil())
	}
	if main.Rate() != 50 || main.Ceil() != 70 {
		t.Fatalf("main = (%d, %d), want (50, 70)", main.Rate(), main.Ceil())
	}
	if upload.Rate() != 25 || upload.Ceil() != 35 {
		t.Fatalf("upload = (%d, %d), want (25, 35)", upload.Rate(), upload.Ceil())
	}
}

// TestGetOverrate matches original_source/tests/TokenShaper-test.cpp's
// TokenShaperTest.GetOverrate: against the un-resized tree (root
// capacity 10, so vip's ceil is 3), three 1-token Gets exhaust vip's
// ceiling one token at a time, borrowing into vip's overrate each time
// past its rate of 1; the fourth fails until a Put frees one back.
func TestGetOverrate(t *testing.T) {
	root := NewRoot("root", 10)
	vip := root.NewChild("vip", 0.10, 0.30)

	if got := vip.Get(1); got != 1 {
		t.Fatalf("vip.Get(1) #1 = %d, want 1", got)
	}
	if vip.ActualRate() != 1 || vip.OverRate() != 0 {
		t.Fatalf("after #1: actual=%d over=%d, want 1,0", vip.ActualRate(), vip.OverRate())
	}

	if got := vip.Get(1); got != 1 {
		t.Fatalf("vip.Get(1) #2 = %d, want 1", got)
	}
	if vip.ActualRate() != 2 || vip.OverRate() != 1 {
		t.Fatalf("after #2: actual=%d over=%d, want 2,1", vip.ActualRate(), vip.OverRate())
	}

	if got := vip.Get(1); got != 1 {
		t.Fatalf("vip.Get(1) #3 = %d, want 1", got)
	}
	if vip.ActualRate() != 3 || vip.OverRate() != 2 {
		t.Fatalf("after #3: actual=%d over=%d, want 3,2", vip.ActualRate(), vip.OverRate())
	}

	if got := vip.Get(1); got != 0 {
		t.Fatalf("vip.Get(1) after ceil reached = %d, want 0", got)
	}

	vip.Put(1)
	if vip.ActualRate() != 2 || vip.OverRate() != 1 {
		t.Fatalf("after Put: actual=%d over=%d, want 2,1", vip.ActualRate(), vip.OverRate())
	}
	if got := vip.Get(1); got != 1 {
		t.Fatalf("vip.Get(1) after Put = %d, want 1", got)
	}
}

func TestQueueTimeout(t *testing.T) {
	root := NewRoot("root", 1)
	timedOut := make(chan QueueItem, 1)
	root.SetTimeout(1*time.Second, func(item QueueItem) {
		timedOut <- item
	})
	root.Get(1) // consume the only token so the item can't drain
	root.Enqueue("item-a")

	start := time.Now()
	deadline := start.Add(2 * time.Second)
	for time.Now().Before(deadline) {
		root.Sweep(time.Now())
		select {
		case item := <-timedOut:
			elapsed := time.Since(start)
			if elapsed < 990*time.Millisecond || elapsed > 1200*time.Millisecond {
				t.Fatalf("timeout fired after %v, want ~1s", elapsed)
			}
			if item.Value != "item-a" {
				t.Fatalf("timed-out item = %v, want item-a", item.Value)
			}
			return
		default:
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout handler never fired")
}
