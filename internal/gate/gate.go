// Package gate decides whether an automated reply may be sent right now.
// Everything here is a pure function of its inputs.
package gate

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shutterdesk/autoresponder/internal/inbound"
)

// Clock is a wall-clock time of day, in minutes after midnight
type Clock int

// ParseClock parses "HH:MM" (24h). "24:00" is accepted as end of day.
func ParseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// WorkingHours is the half-open window [Start, End) in Location
type WorkingHours struct {
	Start    Clock
	End      Clock
	Location *time.Location
}

// Contains reports whether t falls inside the window, evaluated in the
// window's timezone
func (w WorkingHours) Contains(t time.Time) bool {
	local := t.In(w.location())
	now := Clock(local.Hour()*60 + local.Minute())
	return now >= w.Start && now < w.End
}

func (w WorkingHours) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// SpamRules configure the spam heuristic
type SpamRules struct {
	Keywords    []string
	MaxHashtags int // social only; 0 disables the check
	MaxMentions int // social only; 0 disables the check
}

// Policy is the per-channel dispatch configuration
type Policy struct {
	Enabled       bool
	AutoRespond   bool
	ResponseDelay time.Duration
	MaxPerDay     int
	WorkingHours  WorkingHours
	MinLength     int
	ExcludeSpam   bool
	Spam          SpamRules
}

// Day returns the calendar day of t in the policy timezone
func (p Policy) Day(t time.Time) string {
	return t.In(p.WorkingHours.location()).Format("2006-01-02")
}

// Counters is a snapshot of the sends made on Day
type Counters struct {
	Day  string
	Sent int
}

// Current returns the sends that count against today's limit. A snapshot
// taken on a previous day counts as zero: this is the midnight reset.
func (c Counters) Current(p Policy, now time.Time) int {
	if c.Day != p.Day(now) {
		return 0
	}
	return c.Sent
}

// Reason explains a refusal
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNotNew       Reason = "not_new"
	ReasonDisabled     Reason = "disabled"
	ReasonAutoRespond  Reason = "auto_respond_off"
	ReasonDailyLimit   Reason = "daily_limit"
	ReasonOutsideHours Reason = "outside_working_hours"
	ReasonTooShort     Reason = "too_short"
	ReasonSpam         Reason = "spam"
)

// Decision is the outcome of a gate check
type Decision struct {
	Allowed bool
	Reason  Reason
}

func refuse(r Reason) Decision { return Decision{Reason: r} }

// Evaluate runs every gate condition in order and reports the first refusal
func Evaluate(item *inbound.Item, p Policy, c Counters, now time.Time) Decision {
	if item.Status != inbound.StatusNew {
		return refuse(ReasonNotNew)
	}
	if !p.Enabled {
		return refuse(ReasonDisabled)
	}
	if !p.AutoRespond {
		return refuse(ReasonAutoRespond)
	}
	if c.Current(p, now) >= p.MaxPerDay {
		return refuse(ReasonDailyLimit)
	}
	if !p.WorkingHours.Contains(now) {
		return refuse(ReasonOutsideHours)
	}
	if utf8.RuneCountInString(item.Text) < p.MinLength {
		return refuse(ReasonTooShort)
	}
	if p.ExcludeSpam && IsSpam(item, p.Spam) {
		return refuse(ReasonSpam)
	}
	return Decision{Allowed: true}
}

// CanDispatch reports whether a reply to item may be sent at now
func CanDispatch(item *inbound.Item, p Policy, c Counters, now time.Time) bool {
	return Evaluate(item, p, c, now).Allowed
}

var (
	wordSplit   = regexp.MustCompile(`[^\p{L}\p{N}#@_']+`)
	hashtagRule = regexp.MustCompile(`(^|\s)#[\p{L}\p{N}_]+`)
	mentionRule = regexp.MustCompile(`(^|\s)@[\p{L}\p{N}_.]+`)
)

// IsSpam flags an item containing a blacklisted keyword, or a social
// comment with too many hashtags or mentions. Single-word keywords match
// whole words; keywords containing spaces match as substrings.
func IsSpam(item *inbound.Item, rules SpamRules) bool {
	text := strings.ToLower(item.Subject + " " + item.Text)

	words := make(map[string]bool)
	for _, w := range wordSplit.Split(text, -1) {
		w = strings.Trim(w, "#@'")
		if w != "" {
			words[w] = true
		}
	}
	for _, kw := range rules.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(kw, " ") {
			if strings.Contains(text, kw) {
				return true
			}
		} else if words[kw] {
			return true
		}
	}

	if item.Channel != inbound.ChannelSocial {
		return false
	}
	if rules.MaxHashtags > 0 && CountHashtags(item.Text) > rules.MaxHashtags {
		return true
	}
	if rules.MaxMentions > 0 && CountMentions(item.Text) > rules.MaxMentions {
		return true
	}
	return false
}

func CountHashtags(text string) int {
	return len(hashtagRule.FindAllStringIndex(text, -1))
}

func CountMentions(text string) int {
	return len(mentionRule.FindAllStringIndex(text, -1))
}
