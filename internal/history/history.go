// Package history persists finished conversations.
//
// A [Record] is committed by the call controller when a call with a
// non-empty transcript ends. Backends implement [Store]; the in-process
// [MemoryStore] lives here, durable backends live in sub-packages
// (history/file, history/postgres, history/s3archive).
//
// Listing is always newest-first. Search is a case-insensitive substring
// match over the summary and every transcript line; backends that can push
// the match down to their storage implement [Searcher], everything else is
// filtered in memory by [Filter].
package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/voxline/internal/transcript"
)

// SummaryLimit is the number of runes of the first transcript line kept in a
// record summary before it is truncated with "...".
const SummaryLimit = 80

// ErrNotFound is returned by [Store.Get] when no record has the given id.
var ErrNotFound = errors.New("history: record not found")

// Record is one finished conversation.
type Record struct {
	ID string `json:"id"`

	// Date is the moment the call became active. Serialised as RFC 3339.
	Date time.Time `json:"date"`

	// Duration is the call length in whole seconds.
	Duration int `json:"duration"`

	Transcript []transcript.Entry `json:"transcript"`
	Summary    string             `json:"summary"`
}

// Store persists conversation records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save stores rec. Saving a record whose ID already exists replaces it.
	Save(ctx context.Context, rec Record) error

	// List returns every record, newest first.
	List(ctx context.Context) ([]Record, error)

	// Get returns the record with the given id or an error wrapping
	// [ErrNotFound].
	Get(ctx context.Context, id string) (Record, error)
}

// Searcher is implemented by stores that can evaluate a search query
// natively. The semantics must match [Filter].
type Searcher interface {
	Search(ctx context.Context, query string) ([]Record, error)
}

// Search returns the records of s matching query, newest first. An empty or
// blank query returns every record.
func Search(ctx context.Context, s Store, query string) ([]Record, error) {
	if strings.TrimSpace(query) == "" {
		return s.List(ctx)
	}
	if searcher, ok := s.(Searcher); ok {
		return searcher.Search(ctx, query)
	}
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return Filter(all, query), nil
}

// Filter returns the records whose summary or any transcript line contains
// query, ignoring case. Order is preserved. A blank query matches everything.
func Filter(records []Record, query string) []Record {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return records
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if Matches(rec, q) {
			out = append(out, rec)
		}
	}
	return out
}

// Matches reports whether rec contains the lower-cased query q.
func Matches(rec Record, q string) bool {
	if strings.Contains(strings.ToLower(rec.Summary), q) {
		return true
	}
	for _, e := range rec.Transcript {
		if strings.Contains(strings.ToLower(e.Text), q) {
			return true
		}
	}
	return false
}

// SortNewestFirst orders records by date, most recent first. Records with the
// same date keep their relative order.
func SortNewestFirst(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		return b.Date.Compare(a.Date)
	})
}

// Summarize derives a record summary from the first transcript line.
func Summarize(entries []transcript.Entry) string {
	if len(entries) == 0 {
		return ""
	}
	text := entries[0].Text
	if utf8.RuneCountInString(text) <= SummaryLimit {
		return text
	}
	return string([]rune(text)[:SummaryLimit]) + "..."
}

// FormatDuration renders whole seconds as M:SS.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// NewRecord builds the record of a call that became active at start and
// ended at end. The transcript is copied.
func NewRecord(id string, start, end time.Time, entries []transcript.Entry) Record {
	secs := 0
	if end.After(start) {
		secs = int(end.Sub(start) / time.Second)
	}
	return Record{
		ID:         id,
		Date:       start,
		Duration:   secs,
		Transcript: slices.Clone(entries),
		Summary:    Summarize(entries),
	}
}
