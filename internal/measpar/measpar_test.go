package measpar

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunAllRunsAll(t *testing.T) {
	var count int32
	err := RunAll(100, 8, func(i int) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 100 {
		t.Errorf("count=%d, want 100", count)
	}
}

func TestRunAllReturnsFirstError(t *testing.T) {
	errBoom := errors.New("boom")
	err := RunAll(10, 4, func(i int) error {
		if i == 5 {
			return errBoom
		}
		return nil
	})
	if err != errBoom {
		t.Errorf("err=%v, want %v", err, errBoom)
	}
}

func TestRunAllZero(t *testing.T) {
	called := false
	err := RunAll(0, 4, func(i int) error {
		called = true
		return nil
	})
	if err != nil || called {
		t.Errorf("expected no-op for n=0")
	}
}
