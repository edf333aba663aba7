package infra

import (
	"testing"
	"time"
)

func TestNewReconnectBackoff(t *testing.T) {
	b := NewReconnectBackoff(100*time.Millisecond, time.Second, 0)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("attempt %d: delay = %s, want %s", i, got, w)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got != 100*time.Millisecond {
		t.Errorf("after reset: delay = %s, want 100ms", got)
	}
}

func TestNewReconnectBackoff_Jitter(t *testing.T) {
	b := NewReconnectBackoff(time.Second, 10*time.Second, DefaultJitter)

	for i := 0; i < 20; i++ {
		b.Reset()
		d := b.NextBackOff()
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %s outside [0.8s, 1.2s]", d)
		}
	}
}
