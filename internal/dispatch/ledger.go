package dispatch

import (
	"sync"
	"time"

	"github.com/shutterdesk/autoresponder/internal/gate"
	"github.com/shutterdesk/autoresponder/internal/inbound"
)

type dayCount struct {
	day      string
	sent     int
	reserved int
}

// Ledger tracks replies sent per channel per day. Workers reserve a slot
// before sending so concurrent sends never exceed the daily limit; the
// slot is committed on success and released otherwise.
type Ledger struct {
	mu     sync.Mutex
	counts map[inbound.Channel]*dayCount
}

// Reservation is a held slot against one day's limit
type Reservation struct {
	channel inbound.Channel
	day     string
}

func NewLedger() *Ledger {
	return &Ledger{counts: make(map[inbound.Channel]*dayCount)}
}

// current returns the counter for day, starting a fresh one when the day
// has rolled over. Caller holds mu.
func (l *Ledger) current(ch inbound.Channel, day string) *dayCount {
	c := l.counts[ch]
	if c == nil || c.day != day {
		c = &dayCount{day: day}
		l.counts[ch] = c
	}
	return c
}

// Seed sets the committed count for a day, typically from the store at startup
func (l *Ledger) Seed(ch inbound.Channel, day string, sent int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current(ch, day).sent = sent
}

// Counters returns the committed sends for the policy day containing now
func (l *Ledger) Counters(ch inbound.Channel, p gate.Policy, now time.Time) gate.Counters {
	day := p.Day(now)
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.counts[ch]
	if c == nil || c.day != day {
		return gate.Counters{Day: day}
	}
	return gate.Counters{Day: day, Sent: c.sent}
}

// Reserve holds a slot if committed plus in-flight sends are below the limit
func (l *Ledger) Reserve(ch inbound.Channel, p gate.Policy, now time.Time) (Reservation, bool) {
	day := p.Day(now)
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.current(ch, day)
	if c.sent+c.reserved >= p.MaxPerDay {
		return Reservation{}, false
	}
	c.reserved++
	return Reservation{channel: ch, day: day}, true
}

// Commit turns a reservation into a counted send on the day of at
func (l *Ledger) Commit(r Reservation, p gate.Policy, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drop(r)
	l.current(r.channel, p.Day(at)).sent++
}

// Release gives a reservation back without counting a send
func (l *Ledger) Release(r Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drop(r)
}

func (l *Ledger) drop(r Reservation) {
	if c := l.counts[r.channel]; c != nil && c.day == r.day && c.reserved > 0 {
		c.reserved--
	}
}
