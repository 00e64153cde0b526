package gate

import (
	"strings"
	"testing"
	"time"

	"github.com/shutterdesk/autoresponder/internal/inbound"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var est = time.FixedZone("EST", -5*3600)

func at(day, hour, min int) time.Time {
	return time.Date(2024, 3, day, hour, min, 0, 0, est)
}

func openPolicy() Policy {
	return Policy{
		Enabled:      true,
		AutoRespond:  true,
		MaxPerDay:    10,
		WorkingHours: WorkingHours{Start: 9 * 60, End: 18 * 60, Location: est},
		MinLength:    10,
		ExcludeSpam:  true,
		Spam: SpamRules{
			Keywords:    []string{"crypto", "free followers"},
			MaxHashtags: 5,
			MaxMentions: 3,
		},
	}
}

func emailItem(text string) *inbound.Item {
	it := inbound.NewItem(inbound.ChannelEmail, inbound.Sender{Name: "Sarah", Handle: "sarah@example.com"}, "Wedding", text, at(1, 8, 0))
	it.Category = inbound.CategoryBooking
	it.Sentiment = inbound.SentimentPositive
	return it
}

func socialItem(text string) *inbound.Item {
	it := inbound.NewItem(inbound.ChannelSocial, inbound.Sender{Name: "jo", Handle: "@jo"}, "", text, at(1, 8, 0))
	it.Category = inbound.CategoryCompliment
	it.Sentiment = inbound.SentimentPositive
	return it
}

func TestEvaluateAllows(t *testing.T) {
	d := Evaluate(emailItem("We would love to book you for June."), openPolicy(), Counters{}, at(1, 10, 0))
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonNone, d.Reason)
}

func TestEvaluateRefusals(t *testing.T) {
	now := at(1, 10, 0)
	long := "We would love to book you for June."

	tests := []struct {
		name     string
		item     *inbound.Item
		policy   func(*Policy)
		counters Counters
		now      time.Time
		reason   Reason
	}{
		{"disabled", emailItem(long), func(p *Policy) { p.Enabled = false }, Counters{}, now, ReasonDisabled},
		{"auto respond off", emailItem(long), func(p *Policy) { p.AutoRespond = false }, Counters{}, now, ReasonAutoRespond},
		{"daily limit", emailItem(long), nil, Counters{Day: "2024-03-01", Sent: 10}, now, ReasonDailyLimit},
		{"zero daily limit", emailItem(long), func(p *Policy) { p.MaxPerDay = 0 }, Counters{}, now, ReasonDailyLimit},
		{"before hours", emailItem(long), nil, Counters{}, at(1, 8, 59), ReasonOutsideHours},
		{"too short", emailItem("Hi there"), nil, Counters{}, now, ReasonTooShort},
		{"spam keyword", emailItem("Invest in crypto with us today"), nil, Counters{}, now, ReasonSpam},
		{"spam phrase", socialItem("get FREE followers now at my page"), nil, Counters{}, now, ReasonSpam},
		{"too many hashtags", socialItem("nice #a #b #c #d #e #f"), nil, Counters{}, now, ReasonSpam},
		{"too many mentions", socialItem("look @a @b @c @d at this"), nil, Counters{}, now, ReasonSpam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := openPolicy()
			if tt.policy != nil {
				tt.policy(&p)
			}
			d := Evaluate(tt.item, p, tt.counters, tt.now)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			assert.False(t, CanDispatch(tt.item, p, tt.counters, tt.now))
		})
	}
}

func TestSpamIgnoredWhenNotExcluded(t *testing.T) {
	p := openPolicy()
	p.ExcludeSpam = false
	assert.True(t, CanDispatch(emailItem("Invest in crypto with us today"), p, Counters{}, at(1, 10, 0)))
}

func TestWorkingHoursHalfOpen(t *testing.T) {
	p := openPolicy()
	item := emailItem("We would love to book you for June.")

	assert.True(t, CanDispatch(item, p, Counters{}, at(1, 9, 0)), "start is inclusive")
	assert.True(t, CanDispatch(item, p, Counters{}, at(1, 17, 59)))
	assert.False(t, CanDispatch(item, p, Counters{}, at(1, 18, 0)), "end is exclusive")
}

func TestWorkingHoursUseTimezone(t *testing.T) {
	w := WorkingHours{Start: 9 * 60, End: 18 * 60, Location: est}
	// 14:30 UTC is 09:30 EST
	assert.True(t, w.Contains(time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)))
	// 23:30 UTC is 18:30 EST
	assert.False(t, w.Contains(time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)))
}

func TestDailyLimitClearsAfterReset(t *testing.T) {
	p := openPolicy()
	item := emailItem("We would love to book you for June.")
	now := at(1, 10, 0)

	full := Counters{Day: p.Day(now), Sent: p.MaxPerDay}
	require.False(t, CanDispatch(item, p, full, now))

	assert.True(t, CanDispatch(item, p, Counters{Day: p.Day(now)}, now), "explicit reset")
	assert.True(t, CanDispatch(item, p, full, at(2, 10, 0)), "next day in policy timezone")
}

func TestCountersDayFollowsPolicyTimezone(t *testing.T) {
	p := openPolicy()
	c := Counters{Day: "2024-03-01", Sent: 4}
	// 03:00 UTC on the 2nd is still the evening of the 1st in EST
	assert.Equal(t, 4, c.Current(p, time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, c.Current(p, time.Date(2024, 3, 2, 5, 0, 0, 0, time.UTC)))
}

func TestRespondedItemNeverPasses(t *testing.T) {
	item := emailItem("We would love to book you for June.")
	require.NoError(t, item.Begin())
	require.NoError(t, item.Respond("thanks", at(1, 10, 0)))
	d := Evaluate(item, openPolicy(), Counters{}, at(1, 11, 0))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNotNew, d.Reason)
}

func TestMinLengthCountsRunes(t *testing.T) {
	p := openPolicy()
	p.MinLength = 5
	item := emailItem("ééééé")
	assert.True(t, CanDispatch(item, p, Counters{}, at(1, 10, 0)))
	item.Text = strings.Repeat("é", 4)
	assert.False(t, CanDispatch(item, p, Counters{}, at(1, 10, 0)))
}

func TestIsSpamWholeWords(t *testing.T) {
	rules := SpamRules{Keywords: []string{"crypto"}}
	assert.False(t, IsSpam(emailItem("I love cryptographic art"), rules))
	assert.True(t, IsSpam(emailItem("Crypto, anyone?"), rules))
	assert.True(t, IsSpam(socialItem("#crypto"), rules))
}

func TestHashtagAndMentionCeilingsOnlyForSocial(t *testing.T) {
	rules := SpamRules{MaxHashtags: 1, MaxMentions: 1}
	text := "see #one #two with @a @b"
	assert.False(t, IsSpam(emailItem(text), rules))
	assert.True(t, IsSpam(socialItem(text), rules))
	assert.Equal(t, 2, CountHashtags(text))
	assert.Equal(t, 2, CountMentions(text))
	assert.Equal(t, 0, CountMentions("mail me at jo@example.com"))
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, Clock(570), c)
	assert.Equal(t, "09:30", c.String())

	c, err = ParseClock("24:00")
	require.NoError(t, err)
	assert.Equal(t, Clock(1440), c)

	for _, bad := range []string{"", "9", "25:00", "12:60", "24:30", "ab:cd"} {
		_, err := ParseClock(bad)
		assert.Errorf(t, err, "%q", bad)
	}
}
