package wakeup_test

import (
	"testing"
	"time"

	"github.com/nabbar/tftpd/internal/wakeup"
)

func TestSignalEmitIsIdempotent(t *testing.T) {
	s := wakeup.New()
	s.Emit()
	s.Emit()
	s.Emit()

	if !s.Wait(10 * time.Millisecond) {
		t.Fatalf("expected pending wakeup to be consumed")
	}
	if s.Wait(10 * time.Millisecond) {
		t.Fatalf("expected no second wakeup after single consume")
	}
}

func TestSignalWaitTimesOut(t *testing.T) {
	s := wakeup.New()
	if s.Wait(5 * time.Millisecond) {
		t.Fatalf("expected timeout with no emit")
	}
}
