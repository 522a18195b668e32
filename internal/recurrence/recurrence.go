// Package recurrence expands a calendar event's recurrence rule and
// overrides into the set of occurrences that fall in (or may fall in) a
// given date range.
//
// Grounded on the domain value-type style of the mailbox/rights types in
// the email package of the example pack (small, RFC-citing structs with
// terse doc comments and plain constructors/methods, no builder pattern),
// generalized to a calendar-recurrence domain the pack itself does not
// otherwise cover.
package recurrence

import (
	"sort"
	"time"

	"github.com/jmap-go/connection-core/internal/patch"
)

// RecurrenceRule is a JMAP RecurrenceRule's frequency/interval/count,
// trimmed to the fields this engine needs to expand occurrences.
type RecurrenceRule struct {
	Frequency string // "YEARLY", "MONTHLY", "WEEKLY", "DAILY", ...
	Interval  int    // defaults to 1 when zero
	Count     int    // zero means unbounded
}

func (r RecurrenceRule) interval() int {
	if r.Interval <= 0 {
		return 1
	}
	return r.Interval
}

func (r RecurrenceRule) bounded() bool {
	return r.Count > 0
}

// Override is one recurrenceOverrides entry: either an EXDATE (Excluded),
// an RDATE-style replacement of start/duration/timeZone, or both.
type Override struct {
	Excluded bool
	Start    *time.Time
	Duration *time.Duration
	TimeZone *string
	Patches  map[string]any
}

// altersTiming reports whether this override changes when or how long the
// occurrence runs, the condition spec §4.5 uses to decide whether an
// out-of-range override must still be unioned into a range query's result.
func (o Override) altersTiming() bool {
	return o.Start != nil || o.Duration != nil || o.TimeZone != nil
}

// Event is the recurring event this engine expands occurrences for.
type Event struct {
	Start     time.Time
	TimeZone  string
	Duration  time.Duration
	Rule      *RecurrenceRule
	Overrides map[string]Override // recurrenceId -> override
}

// Occurrence is one instance of a recurring event. Occurrences sharing a
// RecurrenceID are the same memoised handle across calls into an Engine
// (see Engine.occurrenceFor), so long-lived references stay valid until the
// event's identity-affecting attributes change.
type Occurrence struct {
	RecurrenceID string
	Start        time.Time
	Duration     time.Duration
	TimeZone     string
	Excluded     bool
}

// recurrenceID formats t as the ISO-8601 string a recurrenceOverrides key
// uses to identify an occurrence's natural (un-overridden) start.
func recurrenceID(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// frequencyCap returns the safety-margin cap for a frequency, per spec
// §4.5's 366/31/7/1-day table for YEARLY/MONTHLY/WEEKLY/other.
func frequencyCap(frequency string) time.Duration {
	switch frequency {
	case "YEARLY":
		return 366 * 24 * time.Hour
	case "MONTHLY":
		return 31 * 24 * time.Hour
	case "WEEKLY":
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// step returns the date-arithmetic function that advances one rule interval
// for frequency, using AddDate so month/year steps follow calendar months
// and years rather than a fixed duration.
func step(rule RecurrenceRule) func(time.Time) time.Time {
	n := rule.interval()
	switch rule.Frequency {
	case "YEARLY":
		return func(t time.Time) time.Time { return t.AddDate(n, 0, 0) }
	case "MONTHLY":
		return func(t time.Time) time.Time { return t.AddDate(0, n, 0) }
	case "WEEKLY":
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 7*n) }
	default: // DAILY and any other frequency step by whole days
		return func(t time.Time) time.Time { return t.AddDate(0, 0, n) }
	}
}

// Engine expands one Event's occurrences, memoising occurrence handles by
// recurrenceId across calls so callers that hold a reference to an
// Occurrence see it mutated in place rather than replaced.
type Engine struct {
	event Event
	cache map[string]*Occurrence
}

// New creates an Engine for event.
func New(event Event) *Engine {
	return &Engine{event: event, cache: make(map[string]*Occurrence)}
}

// Reset replaces the event and drops every memoised occurrence handle, per
// spec §4.5: occurrences are invalidated when start/timeZone/recurrence*
// change. Callers that only mutate an attribute the engine doesn't treat as
// identity-affecting should not call Reset.
func (e *Engine) Reset(event Event) {
	e.event = event
	e.cache = make(map[string]*Occurrence)
}

// occurrenceFor returns the memoised *Occurrence for id, creating or
// updating it in place from the given natural values and override.
func (e *Engine) occurrenceFor(id string, start time.Time, duration time.Duration, timeZone string, ov *Override) *Occurrence {
	occ, ok := e.cache[id]
	if !ok {
		occ = &Occurrence{RecurrenceID: id}
		e.cache[id] = occ
	}

	occ.Start = start
	occ.Duration = duration
	occ.TimeZone = timeZone
	occ.Excluded = false

	if ov != nil {
		if ov.Excluded {
			occ.Excluded = true
		}
		if ov.Start != nil {
			occ.Start = *ov.Start
		}
		if ov.Duration != nil {
			occ.Duration = *ov.Duration
		}
		if ov.TimeZone != nil {
			occ.TimeZone = *ov.TimeZone
		}
	}

	return occ
}

// naturalStarts returns a bounded rule's own RRULE-generated start times,
// with no overrides applied. Callers only use this for rules bounded by
// count — an unbounded rule's natural starts are walked directly by
// expandUnbounded instead, since there is no fixed series to precompute.
func (e *Engine) naturalStarts() []time.Time {
	rule := e.event.Rule
	if rule == nil {
		return []time.Time{e.event.Start}
	}

	advance := step(*rule)
	starts := make([]time.Time, 0, rule.Count)
	t := e.event.Start
	for i := 0; i < rule.Count; i++ {
		starts = append(starts, t)
		t = advance(t)
	}
	return starts
}

// AllStartDates returns every occurrence's start, sorted ascending, with
// overrides applied. For an unbounded rule the engine refuses to enumerate
// an infinite set and returns just the event's own start, per spec §4.5.
func (e *Engine) AllStartDates() []time.Time {
	if e.event.Rule == nil || !e.event.Rule.bounded() {
		return []time.Time{e.event.Start}
	}

	occurrences := e.expand(e.naturalStarts(), nil)
	starts := make([]time.Time, 0, len(occurrences))
	for _, occ := range occurrences {
		if occ.Excluded {
			continue
		}
		starts = append(starts, occ.Start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	return starts
}

// GetOccurrencesThatMayBeInDateRange returns every occurrence whose start
// may fall in [rangeStart, rangeEnd), per spec §4.5's range-expansion
// algorithm: a safety margin pulls earliestStart back far enough that no
// occurrence overlapping the range is missed, bounded rules precompute
// their whole series, and unbounded rules expand directly into the range.
func (e *Engine) GetOccurrencesThatMayBeInDateRange(rangeStart, rangeEnd time.Time) []*Occurrence {
	margin := e.event.Duration
	if cap := frequencyCap(e.frequency()); cap < margin {
		margin = cap
	}
	earliestStart := rangeStart.Add(-margin).Add(time.Second)

	if e.event.Rule != nil && e.event.Rule.bounded() {
		occurrences := e.expand(e.naturalStarts(), &rangeEnd)
		result := make([]*Occurrence, 0, len(occurrences))
		for _, occ := range occurrences {
			result = append(result, occ)
		}
		sort.Slice(result, func(i, j int) bool { return result[i].Start.Before(result[j].Start) })
		return result
	}

	starts := e.expandUnbounded(earliestStart, rangeEnd)
	occurrences := e.expand(starts, &rangeEnd)
	result := make([]*Occurrence, 0, len(occurrences))
	for _, occ := range occurrences {
		result = append(result, occ)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Start.Before(result[j].Start) })
	return result
}

func (e *Engine) frequency() string {
	if e.event.Rule == nil {
		return ""
	}
	return e.event.Rule.Frequency
}

// expandUnbounded walks the rule forward from the event's own start,
// stepping monotonically, collecting natural occurrence starts in
// [earliestStart, rangeEnd). AddDate-based stepping is strictly monotonic
// for a positive interval, so this loop always terminates once the step
// passes rangeEnd without needing an arbitrary iteration cap.
func (e *Engine) expandUnbounded(earliestStart, rangeEnd time.Time) []time.Time {
	rule := e.event.Rule
	advance := step(*rule)

	t := e.event.Start
	var starts []time.Time
	for t.Before(rangeEnd) {
		if !t.Before(earliestStart) {
			starts = append(starts, t)
		}
		t = advance(t)
	}
	return starts
}

// expand applies overrides to the natural starts, returning the union keyed
// by recurrenceId per spec §4.5: an override matching a natural id mutates
// that occurrence in place (EXDATE excludes it; a timing override moves it);
// an override whose key does not match any natural id is unioned in as an
// additional occurrence when it alters timing, when its start is before
// rangeEnd (the lower bound is not checked), or when rangeEnd is nil
// (AllStartDates, which has no "in range" concept and keeps everything not
// excluded).
func (e *Engine) expand(naturalStarts []time.Time, rangeEnd *time.Time) map[string]*Occurrence {
	occurrences := make(map[string]*Occurrence, len(naturalStarts))
	matched := make(map[string]bool, len(e.event.Overrides))

	for _, start := range naturalStarts {
		id := recurrenceID(start)
		var ov *Override
		if o, ok := e.event.Overrides[id]; ok {
			v := o
			ov = &v
			matched[id] = true
		}
		occ := e.occurrenceFor(id, start, e.event.Duration, e.event.TimeZone, ov)
		if occ.Excluded {
			delete(occurrences, id)
			continue
		}
		occurrences[id] = occ
	}

	for id, ov := range e.event.Overrides {
		if matched[id] || ov.Excluded {
			continue
		}
		start := ov.Start
		if start == nil {
			parsed, err := time.Parse(time.RFC3339, id)
			if err != nil {
				continue
			}
			start = &parsed
		}
		inRange := rangeEnd == nil || start.Before(*rangeEnd)
		if !inRange && !ov.altersTiming() {
			continue
		}
		occurrences[id] = e.occurrenceFor(id, *start, e.event.Duration, e.event.TimeZone, &ov)
	}

	return occurrences
}

// PruneInvalidOverrides drops every override (in full) whose Patches carry
// at least one path that no longer resolves against record, per spec §4.5's
// "before" run-loop pass: invalid overrides are pruned wholesale, not
// patch-by-patch.
func PruneInvalidOverrides(record map[string]any, overrides map[string]Override) map[string]Override {
	pruned := make(map[string]Override, len(overrides))
	for id, ov := range overrides {
		valid := true
		for path := range ov.Patches {
			if !patch.IsValidPatch(record, path) {
				valid = false
				break
			}
		}
		if valid {
			pruned[id] = ov
		}
	}
	return pruned
}

// TranslateOverrideIDs re-keys every override by translating its
// recurrenceId (parsed as RFC 3339) by delta, preserving each override's
// payload untouched. Per spec §4.5: when an event's start changes by Δ,
// every override id moves by Δ too, since override ids are anchored to the
// event's original occurrence schedule.
func TranslateOverrideIDs(overrides map[string]Override, delta time.Duration) map[string]Override {
	translated := make(map[string]Override, len(overrides))
	for id, ov := range overrides {
		t, err := time.Parse(time.RFC3339, id)
		if err != nil {
			// An id that isn't a valid recurrenceId can't be translated;
			// keep it under its original key rather than dropping it.
			translated[id] = ov
			continue
		}
		translated[recurrenceID(t.Add(delta))] = ov
	}
	return translated
}
