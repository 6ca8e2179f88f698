// Package calendar derives calendar-day views from a message timeline and
// caches externally supplied day summaries.
package calendar

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/logging"
	"chatsync/internal/timeline"
)

// DateKeyFormat is the bucket key layout, computed in the aggregator's
// timezone rather than UTC.
const DateKeyFormat = "2006-01-02"

// Day is one calendar-day bucket: an ordered sub-sequence of the timeline
// whose creation timestamps fall within that local day.
type Day struct {
	Key      string
	Date     time.Time // midnight at the start of the day, in the bucket zone
	Messages []timeline.Entry
}

// DateKey computes the bucket key of t in the given zone.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateKeyFormat)
}

// Bucket partitions entries into ordered day buckets. It is a pure function
// of (entries, loc): every entry lands in exactly one bucket and the union
// of all buckets equals the input.
func Bucket(entries []timeline.Entry, loc *time.Location) []Day {
	if loc == nil {
		loc = time.UTC
	}
	var days []Day
	byKey := make(map[string]int)
	for _, e := range entries {
		key := DateKey(e.CreatedAt, loc)
		i, ok := byKey[key]
		if !ok {
			local := e.CreatedAt.In(loc)
			midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
			days = append(days, Day{Key: key, Date: midnight})
			i = len(days) - 1
			byKey[key] = i
		}
		days[i].Messages = append(days[i].Messages, e)
	}
	return days
}

// Summary is an externally generated enrichment payload cached per bucket.
// Stale becomes true when the bucket gained messages newer than
// CoveredThrough after the summary was stored; the payload is kept so the
// caller decides how to handle staleness.
type Summary struct {
	Text           string
	CoveredThrough time.Time
	SavedAt        time.Time
	Stale          bool
}

// Aggregator recomputes day buckets from a merger, memoized by the merger's
// version counter. It only ever reads the timeline.
type Aggregator struct {
	mu        sync.Mutex
	log       zerolog.Logger
	merger    *timeline.Merger
	loc       *time.Location
	summaries map[string]*Summary

	cached    []Day
	cachedVer uint64
	haveCache bool
}

// NewAggregator creates an aggregator over the given merger and timezone.
func NewAggregator(m *timeline.Merger, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		log:       logging.Component("calendar").With().Str("room_id", m.RoomID()).Logger(),
		merger:    m,
		loc:       loc,
		summaries: make(map[string]*Summary),
	}
}

// Location returns the bucket timezone.
func (a *Aggregator) Location() *time.Location { return a.loc }

// Days returns the current buckets, rebuilding only when the timeline
// changed since the last call.
func (a *Aggregator) Days() []Day {
	a.mu.Lock()
	defer a.mu.Unlock()

	ver := a.merger.Version()
	if a.haveCache && ver == a.cachedVer {
		return a.cached
	}

	days := Bucket(a.merger.Messages(), a.loc)
	a.refreshStaleness(days)
	a.cached = days
	a.cachedVer = ver
	a.haveCache = true
	return days
}

// SetSummary stores an external summary for a bucket. coveredThrough is the
// creation timestamp of the newest message the summary accounts for.
func (a *Aggregator) SetSummary(dateKey, text string, coveredThrough time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries[dateKey] = &Summary{
		Text:           text,
		CoveredThrough: coveredThrough,
		SavedAt:        time.Now().UTC(),
	}
	a.log.Debug().Str("date_key", dateKey).Msg("summary stored")
}

// SummaryFor returns the cached summary for a bucket, if any. The staleness
// flag reflects the timeline as of the last Days() rebuild.
func (a *Aggregator) SummaryFor(dateKey string) (Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.summaries[dateKey]
	if !ok {
		return Summary{}, false
	}
	return *s, true
}

// BucketText concatenates the non-deleted message bodies of one bucket,
// newline separated, for handing to an external summarizer.
func (a *Aggregator) BucketText(dateKey string) (text string, coveredThrough time.Time) {
	for _, day := range a.Days() {
		if day.Key != dateKey {
			continue
		}
		for _, e := range day.Messages {
			if e.Deleted || e.Content == "" {
				continue
			}
			if text != "" {
				text += "\n"
			}
			text += e.Content
			if e.CreatedAt.After(coveredThrough) {
				coveredThrough = e.CreatedAt
			}
		}
		return text, coveredThrough
	}
	return "", time.Time{}
}

// refreshStaleness marks summaries whose bucket gained newer messages.
// Caller holds a.mu.
func (a *Aggregator) refreshStaleness(days []Day) {
	for _, day := range days {
		s, ok := a.summaries[day.Key]
		if !ok || s.Stale {
			continue
		}
		for _, e := range day.Messages {
			if e.CreatedAt.After(s.CoveredThrough) {
				s.Stale = true
				a.log.Debug().Str("date_key", day.Key).Msg("summary marked stale")
				break
			}
		}
	}
}
