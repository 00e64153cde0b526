package template

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shutterdesk/autoresponder/internal/inbound"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqRand returns the queued values modulo n
type seqRand struct {
	vals []int
	i    int
}

func (s *seqRand) Intn(n int) int {
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return v % n
}

func bookingTemplate() Template {
	return Template{
		ID:       "booking",
		Name:     "Booking",
		Channel:  inbound.ChannelEmail,
		Category: inbound.CategoryBooking,
		Enabled:  true,
		Priority: 1,
		Conditions: Conditions{
			Sentiment: []inbound.Sentiment{inbound.SentimentPositive, inbound.SentimentNeutral},
			Category:  []inbound.Category{inbound.CategoryBooking},
		},
		Body: "Hi {{fromName}}, thanks for the booking inquiry!",
	}
}

func sarah(cat inbound.Category) *inbound.Item {
	it := inbound.NewItem(inbound.ChannelEmail, inbound.Sender{Name: "Sarah Johnson", Handle: "sarah@example.com"},
		"Wedding", "Are you free on June 14?", time.Now())
	it.Category = cat
	it.Sentiment = inbound.SentimentPositive
	return it
}

func TestSelectBookingScenario(t *testing.T) {
	catalog := []Template{bookingTemplate()}
	item := sarah(inbound.CategoryBooking)

	got := Select(item, catalog)
	require.NotNil(t, got)
	assert.Equal(t, "booking", got.ID)
	assert.Equal(t, "Hi Sarah Johnson, thanks for the booking inquiry!", Render(got, item, nil))
}

func TestSelectNoMatch(t *testing.T) {
	catalog := []Template{bookingTemplate()}
	assert.Nil(t, Select(sarah(inbound.CategoryPricing), catalog))
	assert.Nil(t, Select(sarah(inbound.CategoryBooking), nil))
}

func TestSelectIsDeterministic(t *testing.T) {
	a := bookingTemplate()
	b := bookingTemplate()
	b.ID = "booking-2"
	catalog := []Template{a, b}
	item := sarah(inbound.CategoryBooking)

	first := Select(item, catalog)
	for i := 0; i < 10; i++ {
		assert.Same(t, first, Select(item, catalog))
	}
	assert.Equal(t, "booking", first.ID, "ties go to catalog order")
}

func TestSelectLowestPriorityWins(t *testing.T) {
	low := bookingTemplate()
	low.ID = "p2"
	low.Priority = 2
	high := bookingTemplate()
	high.ID = "p1"
	high.Priority = 1

	item := sarah(inbound.CategoryBooking)
	assert.Equal(t, "p1", Select(item, []Template{low, high}).ID)
	assert.Equal(t, "p1", Select(item, []Template{high, low}).ID)
}

func TestSelectFilters(t *testing.T) {
	item := sarah(inbound.CategoryBooking)

	disabled := bookingTemplate()
	disabled.Enabled = false
	assert.Nil(t, Select(item, []Template{disabled}))

	wrongSentiment := bookingTemplate()
	wrongSentiment.Conditions.Sentiment = []inbound.Sentiment{inbound.SentimentNegative}
	assert.Nil(t, Select(item, []Template{wrongSentiment}))

	social := bookingTemplate()
	social.Channel = inbound.ChannelSocial
	assert.Nil(t, Select(item, []Template{social}))

	anyChannel := bookingTemplate()
	anyChannel.Channel = ""
	assert.NotNil(t, Select(item, []Template{anyChannel}))
}

func TestSelectIgnoresKeywords(t *testing.T) {
	tmpl := bookingTemplate()
	tmpl.Conditions.Keywords = []string{"newborn"}
	item := sarah(inbound.CategoryBooking)
	assert.NotNil(t, Select(item, []Template{tmpl}))
	assert.Empty(t, MatchedKeywords(&tmpl, item))

	tmpl.Conditions.Keywords = []string{"June", "wedding", "gallery"}
	assert.Equal(t, []string{"June", "wedding"}, MatchedKeywords(&tmpl, item))
}

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	tmpl := bookingTemplate()
	tmpl.Body = "Dear {{fromName}} ({{ firstName }}), re: {{subject}} -- {{content}} [{{company}}]"
	item := sarah(inbound.CategoryBooking)
	item.Sender.Name = "Sarah"

	got := Render(&tmpl, item, nil)
	assert.Contains(t, got, "Sarah")
	assert.NotContains(t, got, "{{fromName}}")
	assert.Equal(t, "Dear Sarah (Sarah), re: Wedding -- Are you free on June 14? []", got)
}

func TestRenderLeavesUnknownTokens(t *testing.T) {
	tmpl := bookingTemplate()
	tmpl.Body = "Hi {{fromName}}, see {{portfolioLink}}"
	got := Render(&tmpl, sarah(inbound.CategoryBooking), nil)
	assert.Equal(t, "Hi Sarah Johnson, see {{portfolioLink}}", got)
}

func TestRenderSocialDecoration(t *testing.T) {
	tmpl := Template{
		ID:       "thanks",
		Channel:  inbound.ChannelSocial,
		Body:     "Thank you so much {{username}}!",
		Emojis:   []string{"📸", "✨", "💛", "🙌"},
		Hashtags: []string{"miamiphotographer", "studiolife", "goldenhour", "#portraitmood"},
	}
	item := inbound.NewItem(inbound.ChannelSocial, inbound.Sender{Name: "jane", Handle: "@jane"}, "", "stunning", time.Now())

	got := Render(&tmpl, item, &seqRand{vals: []int{1, 2, 0, 1}})
	assert.Equal(t, "Thank you so much @jane! ✨ #goldenhour #studiolife #portraitmood", got)
}

func TestRenderSocialIsRepeatableWithSameSeed(t *testing.T) {
	tmpl := Template{
		Channel:  inbound.ChannelSocial,
		Body:     "Thanks {{username}}",
		Emojis:   []string{"a", "b", "c"},
		Hashtags: []string{"one", "two"},
	}
	item := inbound.NewItem(inbound.ChannelSocial, inbound.Sender{Handle: "@x"}, "", "hi", time.Now())

	first := Render(&tmpl, item, rand.New(rand.NewSource(42)))
	second := Render(&tmpl, item, rand.New(rand.NewSource(42)))
	assert.Equal(t, first, second)
	assert.Equal(t, 2, strings.Count(first, "#"), "only two hashtags exist")
}

func TestRenderEmailIgnoresDecoration(t *testing.T) {
	tmpl := bookingTemplate()
	tmpl.Emojis = []string{"x"}
	got := Render(&tmpl, sarah(inbound.CategoryBooking), &seqRand{vals: []int{0}})
	assert.NotContains(t, got, "x")
}

func TestRenderSubject(t *testing.T) {
	tmpl := bookingTemplate()
	item := sarah(inbound.CategoryBooking)
	assert.Equal(t, "Re: Wedding", RenderSubject(&tmpl, item))

	item.Subject = "RE: Wedding"
	assert.Equal(t, "RE: Wedding", RenderSubject(&tmpl, item))

	tmpl.Subject = "About {{subject}}"
	assert.Equal(t, "About RE: Wedding", RenderSubject(&tmpl, item))
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"fromName", "subject"}, Tokens("{{fromName}} {{subject}} {{ fromName }}"))
	assert.Equal(t, []string{"nope"}, UnknownTokens("{{fromName}} {{nope}}"))
	assert.Contains(t, KnownTokens(), "preferredDate")
}

func TestCatalogValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Template)
		errMsg string
	}{
		{"unknown placeholder", func(tp *Template) { tp.Body = "Hi {{fullName}}" }, "unknown placeholders: fullName"},
		{"unknown placeholder in subject", func(tp *Template) { tp.Subject = "{{topic}}" }, "unknown placeholders: topic"},
		{"missing body", func(tp *Template) { tp.Body = " " }, "body is required"},
		{"bad category for channel", func(tp *Template) { tp.Category = inbound.CategorySpam }, "not valid for channel"},
		{"no sentiments", func(tp *Template) { tp.Conditions.Sentiment = nil }, "conditions.sentiment"},
		{"bad sentiment", func(tp *Template) { tp.Conditions.Sentiment = []inbound.Sentiment{"angry"} }, "unknown sentiment"},
		{"hashtags on email", func(tp *Template) { tp.Hashtags = []string{"x"} }, "only apply to social"},
	}

	require.NoError(t, (&Catalog{Templates: []Template{bookingTemplate()}}).Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := bookingTemplate()
			tt.mutate(&tmpl)
			err := (&Catalog{Templates: []Template{tmpl}}).Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	dup := &Catalog{Templates: []Template{bookingTemplate(), bookingTemplate()}}
	assert.ErrorContains(t, dup.Validate(), "duplicate id")
	assert.Error(t, (&Catalog{}).Validate())
}

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	require.NotEmpty(t, c.Templates)

	item := sarah(inbound.CategoryBooking)
	got := Select(item, c.ForChannel(inbound.ChannelEmail))
	require.NotNil(t, got)
	assert.Equal(t, "email-booking", got.ID)
	assert.True(t, strings.HasPrefix(Render(got, item, nil), "Hi Sarah Johnson, thanks for the booking inquiry!"))

	assert.NotNil(t, c.Get("social-compliment"))
	assert.Nil(t, c.Get("missing"))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := `templates:
  - id: only
    name: Only
    channel: email
    category: general
    enabled: true
    priority: 1
    conditions:
      sentiment: [neutral]
      category: [general]
    body: "Hello {{firstName}}"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, c.Templates, 1)
	assert.Equal(t, "Hello {{firstName}}", c.Templates[0].Body)

	bad := strings.Replace(data, "{{firstName}}", "{{nickname}}", 1)
	require.NoError(t, os.WriteFile(path, []byte(bad), 0600))
	_, err = LoadFromFile(path)
	assert.ErrorContains(t, err, "nickname")

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
