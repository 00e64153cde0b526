package social

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shutterdesk/autoresponder/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplySenderPosts(t *testing.T) {
	s := NewReplySender(0, 1)
	r := s.Send(context.Background(), delivery.Message{ItemID: "1", To: "@jane", Body: "Thank you so much @jane! ✨"})
	require.NoError(t, r.Error)
	assert.True(t, r.Success)
	assert.True(t, strings.HasPrefix(r.MessageID, "reply-"))
	assert.Equal(t, "social", s.Name())
}

func TestReplySenderRejects(t *testing.T) {
	s := NewReplySender(0, 1)
	for _, msg := range []delivery.Message{
		{To: "jane", Body: "hi"},
		{To: "@", Body: "hi"},
		{To: "@ja ne", Body: "hi"},
		{To: "@jane", Body: "  "},
		{To: "@jane", Body: strings.Repeat("a", 2201)},
	} {
		r := s.Send(context.Background(), msg)
		assert.False(t, r.Success, "%+v", msg.To)
		assert.True(t, r.Permanent)
	}
}

func TestReplySenderHonorsRateAndContext(t *testing.T) {
	// one reply per minute, burst of one: the second send must wait
	s := NewReplySender(1, 1)
	msg := delivery.Message{To: "@jane", Body: "thanks!"}
	require.True(t, s.Send(context.Background(), msg).Success)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := s.Send(ctx, msg)
	assert.False(t, r.Success)
	assert.False(t, r.Permanent)
}
