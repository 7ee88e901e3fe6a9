package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/adapter"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

// Window is the negotiated effective date range for one run.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.Start.Format(domain.DateLayout), w.End.Format(domain.DateLayout))
}

// Contains reports whether t falls inside the window, inclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

const (
	maxOverlapDays = 30
	// defaultIncrementalDays bounds an incremental run for a connection
	// that has never succeeded.
	defaultIncrementalDays = 90
	// fullHistoryDays is the widest window a FULL run opens with before
	// negotiation shrinks it.
	fullHistoryDays = 3650
)

// ClampOverlap bounds the configured overlap window to [0,30] days.
func ClampOverlap(days int) int {
	if days < 0 {
		return 0
	}
	if days > maxOverlapDays {
		return maxOverlapDays
	}
	return days
}

// IncrementalWindow computes the effective window for an INCREMENTAL
// run. The start is max(requested start, last successful position
// minus the overlap); re-scanning the overlap re-surfaces rows the
// source was still settling, and the idempotency layer absorbs the
// resulting duplicates.
func IncrementalWindow(conn *domain.Connection, reqStart, reqEnd *time.Time, now time.Time) Window {
	end := truncateDay(now)
	if reqEnd != nil {
		end = truncateDay(*reqEnd)
	}

	start := end.AddDate(0, 0, -defaultIncrementalDays)
	if reqStart != nil {
		start = truncateDay(*reqStart)
	}
	if conn.LastSuccessfulTxnEnd != nil {
		overlapped := truncateDay(*conn.LastSuccessfulTxnEnd).AddDate(0, 0, -ClampOverlap(conn.OverlapDays))
		if overlapped.After(start) {
			start = overlapped
		}
	}
	if start.After(end) {
		start = end
	}
	return Window{Start: start, End: end}
}

// fallbackSpans is the shrinking sequence of FULL-mode windows, all
// anchored to the requested end date.
var fallbackSpans = []struct {
	name string
	days int
}{
	{"10y", 3650},
	{"5y", 1825},
	{"3y", 1095},
	{"2y", 730},
	{"1y", 365},
	{"6mo", 180},
	{"3mo", 90},
}

// FirstPage carries the page fetched while probing, so an accepted
// window's trial fetch is not repeated by the pagination driver.
type FirstPage struct {
	Records    []domain.Record
	NextCursor string
}

// fetchFunc performs one first-page fetch against a candidate window.
type fetchFunc func(start, end time.Time) ([]domain.Record, string, error)

// NegotiateFull resolves the effective window for a FULL run. The
// requested span is probed first; on a range-too-large signal the
// fallback spans are tried in order until one is accepted. Exhausting
// every span returns adapter.ErrRangeNegotiationExhausted. Any other
// fetch error propagates unchanged.
func NegotiateFull(reqStart, reqEnd *time.Time, now time.Time, fetch fetchFunc) (Window, *FirstPage, error) {
	end := truncateDay(now)
	if reqEnd != nil {
		end = truncateDay(*reqEnd)
	}
	start := end.AddDate(0, 0, -fullHistoryDays)
	if reqStart != nil {
		start = truncateDay(*reqStart)
	}

	candidates := []Window{{Start: start, End: end}}
	for _, span := range fallbackSpans {
		s := end.AddDate(0, 0, -span.days)
		// Narrower than any window already rejected, and never wider
		// than what was originally requested.
		if !s.After(start) {
			continue
		}
		candidates = append(candidates, Window{Start: s, End: end})
	}

	for _, w := range candidates {
		records, next, err := fetch(w.Start, w.End)
		if err == nil {
			return w, &FirstPage{Records: records, NextCursor: next}, nil
		}
		if adapter.IsRangeTooLarge(err) {
			continue
		}
		return Window{}, nil, err
	}
	return Window{}, nil, fmt.Errorf("no window accepted for full sync ending %s: %w",
		end.Format(domain.DateLayout), adapter.ErrRangeNegotiationExhausted)
}

// IsNegotiationExhausted reports whether err is the terminal
// range-negotiation failure.
func IsNegotiationExhausted(err error) bool {
	return errors.Is(err, adapter.ErrRangeNegotiationExhausted)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
