package geo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/maia/internal/geo"
)

func TestCurrentLocation_ReturnsReportedFix(t *testing.T) {
	t.Parallel()
	r := geo.NewReported()
	r.Report(geo.Location{Latitude: 3.139, Longitude: 101.6869, Accuracy: 12})

	loc, err := r.CurrentLocation(context.Background())
	if err != nil {
		t.Fatalf("CurrentLocation: %v", err)
	}
	if loc.Latitude != 3.139 || loc.Longitude != 101.6869 || loc.Accuracy != 12 {
		t.Errorf("loc = %+v", loc)
	}
	if loc.Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}
}

func TestCurrentLocation_WaitsForFirstReport(t *testing.T) {
	t.Parallel()
	r := geo.NewReported(geo.WithTimeout(2 * time.Second))

	go func() {
		time.Sleep(30 * time.Millisecond)
		r.Report(geo.Location{Latitude: 1, Longitude: 2})
	}()

	loc, err := r.CurrentLocation(context.Background())
	if err != nil {
		t.Fatalf("CurrentLocation: %v", err)
	}
	if loc.Latitude != 1 {
		t.Errorf("loc = %+v", loc)
	}
}

func TestCurrentLocation_Timeout(t *testing.T) {
	t.Parallel()
	r := geo.NewReported(geo.WithTimeout(40 * time.Millisecond))

	_, err := r.CurrentLocation(context.Background())
	var lerr *geo.LocationError
	if !errors.As(err, &lerr) {
		t.Fatalf("err = %v, want *LocationError", err)
	}
	if lerr.Code != geo.CodeTimeout || lerr.Message != "Location request timed out" {
		t.Errorf("lerr = %+v", lerr)
	}
}

func TestCurrentLocation_ReportedError(t *testing.T) {
	t.Parallel()
	r := geo.NewReported()
	r.ReportError(geo.CodePermissionDenied, "")

	_, err := r.CurrentLocation(context.Background())
	var lerr *geo.LocationError
	if !errors.As(err, &lerr) || lerr.Code != geo.CodePermissionDenied {
		t.Fatalf("err = %v", err)
	}
	if lerr.Message != "Location access denied by user" {
		t.Errorf("message = %q", lerr.Message)
	}
}

func TestCurrentLocation_StaleFixWaits(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	r := geo.NewReported(geo.WithClock(clock), geo.WithMaxAge(time.Minute), geo.WithTimeout(40*time.Millisecond))
	r.Report(geo.Location{Latitude: 1})

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if _, err := r.CurrentLocation(context.Background()); err == nil {
		t.Fatal("stale fix returned as current")
	}
	if loc, _ := r.Last(); loc == nil || loc.Latitude != 1 {
		t.Errorf("Last() = %v, stale fix should remain readable", loc)
	}
}

func TestCurrentLocation_ContextCancelled(t *testing.T) {
	t.Parallel()
	r := geo.NewReported()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.CurrentLocation(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestWatch(t *testing.T) {
	t.Parallel()
	r := geo.NewReported()

	var got []string
	cancel := r.Watch(func(loc geo.Location, err error) {
		if err != nil {
			got = append(got, "err")
			return
		}
		got = append(got, "loc")
	})

	r.Report(geo.Location{Latitude: 1})
	r.ReportError(geo.CodePositionUnavailable, "")
	cancel()
	r.Report(geo.Location{Latitude: 2})

	if len(got) != 2 || got[0] != "loc" || got[1] != "err" {
		t.Errorf("watch calls = %v, want [loc err]", got)
	}
}

func TestErrorCode_Message(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code geo.ErrorCode
		want string
	}{
		{geo.CodeUnsupported, "Geolocation is not supported by this browser."},
		{geo.CodePermissionDenied, "Location access denied by user"},
		{geo.CodePositionUnavailable, "Location information is unavailable"},
		{geo.CodeTimeout, "Location request timed out"},
		{geo.ErrorCode(9), "Unknown error occurred"},
	}
	for _, tt := range tests {
		if got := tt.code.Message(); got != tt.want {
			t.Errorf("code %d message = %q, want %q", tt.code, got, tt.want)
		}
	}
}
