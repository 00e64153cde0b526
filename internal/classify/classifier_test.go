package classify

import (
	"testing"

	"github.com/shutterdesk/autoresponder/internal/inbound"
	"github.com/stretchr/testify/assert"
)

func TestClassifyEmail(t *testing.T) {
	tests := []struct {
		name      string
		subject   string
		body      string
		category  inbound.Category
		sentiment inbound.Sentiment
		priority  inbound.Priority
	}{
		{
			name:      "wedding availability",
			subject:   "Wedding photography inquiry",
			body:      "We are getting married next June and would love to check your availability.",
			category:  inbound.CategoryBooking,
			sentiment: inbound.SentimentPositive,
			priority:  inbound.PriorityMedium,
		},
		{
			name:      "package prices",
			subject:   "Question",
			body:      "How much do your family packages cost?",
			category:  inbound.CategoryPricing,
			sentiment: inbound.SentimentNeutral,
			priority:  inbound.PriorityMedium,
		},
		{
			name:      "missing gallery",
			subject:   "Still waiting",
			body:      "I still haven't received our gallery and I'm very disappointed.",
			category:  inbound.CategoryComplaint,
			sentiment: inbound.SentimentNegative,
			priority:  inbound.PriorityHigh,
		},
		{
			name:      "nothing specific",
			subject:   "Hello",
			body:      "Just saying hi from Miami.",
			category:  inbound.CategoryGeneral,
			sentiment: inbound.SentimentNeutral,
			priority:  inbound.PriorityMedium,
		},
		{
			name:      "urgent headshots",
			subject:   "Headshots",
			body:      "Can you book me in for headshots tomorrow?",
			category:  inbound.CategoryBooking,
			sentiment: inbound.SentimentNeutral,
			priority:  inbound.PriorityHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(inbound.ChannelEmail, tt.subject, tt.body)
			assert.Equal(t, tt.category, r.Category, "category")
			assert.Equal(t, tt.sentiment, r.Sentiment, "sentiment")
			assert.Equal(t, tt.priority, r.Priority, "priority")
			assert.NotEmpty(t, r.Reason)
			assert.True(t, inbound.ChannelEmail.Allows(r.Category))
		})
	}
}

func TestClassifySocial(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		category inbound.Category
	}{
		{"compliment", "Absolutely stunning! 😍", inbound.CategoryCompliment},
		{"gear question", "What lens did you use for this?", inbound.CategoryQuestion},
		{"spam", "Follow back! check my page for free followers https://spam.example", inbound.CategorySpam},
		{"booking beats question on tie", "Are you available for a session in May? How much for a couple shoot?", inbound.CategoryBooking},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(inbound.ChannelSocial, "", tt.body)
			assert.Equal(t, tt.category, r.Category)
			assert.True(t, inbound.ChannelSocial.Allows(r.Category))
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	body := "Are you available for a session in May? How much for a couple shoot?"
	first := Classify(inbound.ChannelSocial, "", body)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Classify(inbound.ChannelSocial, "", body))
	}
}

func TestSocialPriorities(t *testing.T) {
	assert.Equal(t, inbound.PriorityLow, Classify(inbound.ChannelSocial, "", "Absolutely stunning! 😍").Priority)
	assert.Equal(t, inbound.PriorityLow, Classify(inbound.ChannelSocial, "", "Follow back! free followers").Priority)
}

func TestClassifySentiment(t *testing.T) {
	assert.Equal(t, inbound.SentimentPositive, ClassifySentiment("I love it, thank you"))
	assert.Equal(t, inbound.SentimentNegative, ClassifySentiment("This is terrible and I want a refund"))
	assert.Equal(t, inbound.SentimentNeutral, ClassifySentiment("What time do you open"))
}

func TestHasAutoReplyMarkers(t *testing.T) {
	assert.True(t, HasAutoReplyMarkers("Automatic reply: Wedding inquiry"))
	assert.True(t, HasAutoReplyMarkers("Out of Office until Monday"))
	assert.True(t, HasAutoReplyMarkers("Undeliverable: Re: your session"))
	assert.False(t, HasAutoReplyMarkers("Re: pricing for family session"))
}
