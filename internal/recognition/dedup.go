package recognition

import (
	"strings"
	"sync"
	"time"
)

// DuplicateWindow is how long a punctuation or case variant of the last
// accepted transcript is treated as a duplicate. It is also how long the
// in-flight gate stays closed after an acceptance.
const DuplicateWindow = 1000 * time.Millisecond

// Verdict is the outcome of a duplicate check.
type Verdict string

const (
	Accepted        Verdict = "accepted"
	RejectedBusy    Verdict = "in_flight"
	RejectedSame    Verdict = "identical"
	RejectedSimilar Verdict = "similar"
)

// Deduplicator decides whether a final transcript should be forwarded.
type Deduplicator struct {
	mu       sync.Mutex
	inFlight bool
	lastText string
	lastAt   time.Time
}

// Check records text as accepted at now unless it duplicates the previous
// acceptance. A transcript is rejected while the gate is in flight, when it
// equals the last accepted text byte for byte, or when it normalizes to the
// same text within DuplicateWindow.
func (d *Deduplicator) Check(text string, now time.Time) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.inFlight:
		return RejectedBusy
	case d.lastText != "" && text == d.lastText:
		return RejectedSame
	case !d.lastAt.IsZero() && now.Sub(d.lastAt) < DuplicateWindow && normalize(text) == normalize(d.lastText):
		return RejectedSimilar
	}

	d.inFlight = true
	d.lastText = text
	d.lastAt = now
	return Accepted
}

// Accept is Check reduced to a boolean.
func (d *Deduplicator) Accept(text string, now time.Time) bool {
	return d.Check(text, now) == Accepted
}

// Release reopens the in-flight gate.
func (d *Deduplicator) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = false
}

// ClearLast forgets the last accepted text but keeps its timestamp.
func (d *Deduplicator) ClearLast() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastText = ""
}

// Reset clears all state, including the gate.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = false
	d.lastText = ""
	d.lastAt = time.Time{}
}

// InFlight reports whether the gate is closed.
func (d *Deduplicator) InFlight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

var punctuation = strings.NewReplacer(".", "", ",", "", "!", "", "?", "")

// normalize removes every . , ! ? and lower-cases.
func normalize(s string) string {
	return strings.ToLower(punctuation.Replace(s))
}
