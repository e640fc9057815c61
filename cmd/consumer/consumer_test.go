package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/shuttle-tracker/internal/models"
)

// fakeApplier fails the first failN calls with err.
type fakeApplier struct {
	failN int
	err   error
	calls int
}

func (f *fakeApplier) Apply(ctx context.Context, smp models.PositionSample) error {
	f.calls++
	if f.calls <= f.failN {
		return f.err
	}
	return nil
}

var smp = models.PositionSample{BusID: "bus1", UserID: "u1", Type: "sample", Lat: -22.76, Lng: -43.69}

func storeErr() error {
	return &models.StoreError{Op: "write live share", Err: errors.New("connection reset")}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{failN: 2, err: storeErr()}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, smp, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{failN: 5, err: storeErr()}
	err := applyWithRetry(context.Background(), f, smp, 3, time.Millisecond)
	if !errors.Is(err, models.ErrStore) {
		t.Fatalf("expected store error after retries, got %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestApplyWithRetry_DoesNotRetryRejections(t *testing.T) {
	f := &fakeApplier{failN: 5, err: &models.GeofenceRejection{DistanceMeters: 6000, RadiusMeters: 5000}}
	err := applyWithRetry(context.Background(), f, smp, 3, time.Millisecond)
	if !errors.Is(err, models.ErrOutsideGeofence) || f.calls != 1 {
		t.Fatalf("expected one call and a rejection, got calls=%d err=%v", f.calls, err)
	}
}

func TestApplyWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeApplier{failN: 5, err: storeErr()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := applyWithRetry(ctx, f, smp, 3, time.Second)
	if !errors.Is(err, context.Canceled) || f.calls != 1 {
		t.Fatalf("expected cancellation after one call, got calls=%d err=%v", f.calls, err)
	}
}
