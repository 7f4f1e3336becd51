package availability

import (
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
)

func TestEnumerate_Basic(t *testing.T) {
	window := model.TimeRange{Start: 9 * 60, End: 10 * 60}
	slots := Enumerate(window, 15*time.Minute, 15*time.Minute, 0)
	if len(slots) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(slots))
	}
	if slots[0].String() != "09:00-09:15" || slots[3].String() != "09:45-10:00" {
		t.Fatalf("unexpected slots %v", slots)
	}
}

func TestEnumerate_SkipsBeforeNotBefore(t *testing.T) {
	window := model.TimeRange{Start: 9 * 60, End: 10 * 60}
	// 09:00, 09:15, 09:30 start before 09:31.
	slots := Enumerate(window, 15*time.Minute, 15*time.Minute, 9*60+31)
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	if slots[0].Start.String() != "09:45" {
		t.Fatalf("expected slot 09:45, got %s", slots[0].Start)
	}
}

func TestEnumerate_LengthLongerThanWindow(t *testing.T) {
	window := model.TimeRange{Start: 9 * 60, End: 9*60 + 30}
	if slots := Enumerate(window, time.Hour, time.Hour, 0); len(slots) != 0 {
		t.Fatalf("expected no slots, got %v", slots)
	}
}

func TestEnumerate_LengthEqualsWindow(t *testing.T) {
	window := model.TimeRange{Start: 9 * 60, End: 10 * 60}
	slots := Enumerate(window, window.Duration(), time.Minute, 0)
	if len(slots) != 1 || slots[0] != window {
		t.Fatalf("expected the whole window as one slot, got %v", slots)
	}
}

func TestEnumerate_OverlappingStep(t *testing.T) {
	window := model.TimeRange{Start: 9 * 60, End: 10 * 60}
	slots := Enumerate(window, 30*time.Minute, 15*time.Minute, 0)
	// 09:00, 09:15, 09:30
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(slots))
	}
}
