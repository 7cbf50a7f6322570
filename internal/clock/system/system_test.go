package system

import (
	"testing"
	"time"

	"github.com/webability/scrapegate/internal/scrape"
)

var _ scrape.Clock = Clock{}

func TestNowIsTruncatedUTC(t *testing.T) {
	t.Parallel()

	lower := time.Now().UTC().Truncate(time.Microsecond)
	got := New().Now()
	upper := time.Now().UTC()

	if got.Location() != time.UTC {
		t.Fatalf("location = %v, want UTC", got.Location())
	}
	if got.Nanosecond()%int(time.Microsecond) != 0 {
		t.Fatalf("now %v carries sub-microsecond precision", got)
	}
	if got.Before(lower) || got.After(upper) {
		t.Fatalf("now %v outside [%v, %v]", got, lower, upper)
	}
}

// Job timestamps round-trip through Postgres timestamptz, which stores microseconds.
func TestNowSurvivesMicrosecondRoundTrip(t *testing.T) {
	t.Parallel()

	got := New().Now()
	if !got.Equal(got.Truncate(time.Microsecond)) {
		t.Fatalf("now %v changes under truncation", got)
	}
}
