package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func Test_FakeClock_After_Fires_Only_When_Deadline_Reached(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	ch := c.After(time.Second)

	c.Advance(999 * time.Millisecond)

	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(time.Millisecond)

	select {
	case got := <-ch:
		if !got.Equal(epoch.Add(time.Second)) {
			t.Errorf("fire time = %v, want %v", got, epoch.Add(time.Second))
		}
	default:
		t.Fatal("did not fire at deadline")
	}

	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount = %d, want 0", n)
	}
}

func Test_FakeClock_After_Is_Ready_Immediately_When_Duration_Not_Positive(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)

	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) not ready")
	}
}

func Test_FakeClock_Ticker_Stays_Pending_Until_Stopped(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	tk := c.NewTicker(100 * time.Millisecond)

	c.Advance(100 * time.Millisecond)
	<-tk.C

	c.Advance(350 * time.Millisecond)

	select {
	case <-tk.C:
	default:
		t.Fatal("ticker did not fire after second advance")
	}

	if n := c.PendingCount(); n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}

	tk.Stop()

	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount after Stop = %d, want 0", n)
	}
}

func Test_FakeClock_Sleep_Returns_After_Advance(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	done := make(chan struct{})

	go func() {
		c.Sleep(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return")
	}
}
