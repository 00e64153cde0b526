// Package social replies to comments on the studio's posts.
//
// There is no real network client here: replies are validated, paced and
// logged, and a synthetic id is returned. Swap ReplySender for an API
// client implementing delivery.Sender to post for real.
package social

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/shutterdesk/autoresponder/internal/delivery"
	"github.com/shutterdesk/autoresponder/internal/inbound"
)

var handlePattern = regexp.MustCompile(`^@[^\s@]{1,100}$`)

// ReplySender posts comment replies, at most ratePerMinute of them
type ReplySender struct {
	limiter *rate.Limiter
}

// NewReplySender paces replies; ratePerMinute <= 0 disables pacing
func NewReplySender(ratePerMinute, burst int) *ReplySender {
	limit := rate.Inf
	if ratePerMinute > 0 {
		limit = rate.Limit(float64(ratePerMinute) / 60.0)
	}
	if burst < 1 {
		burst = 1
	}
	return &ReplySender{limiter: rate.NewLimiter(limit, burst)}
}

func (s *ReplySender) Name() string { return "social" }

func (s *ReplySender) Send(ctx context.Context, msg delivery.Message) delivery.Result {
	if !handlePattern.MatchString(msg.To) {
		return delivery.PermanentFailure(fmt.Errorf("invalid handle %q", msg.To))
	}
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return delivery.PermanentFailure(delivery.ErrEmptyBody)
	}
	if n := utf8.RuneCountInString(body); n > inbound.MaxCommentLength {
		return delivery.PermanentFailure(fmt.Errorf("reply is %d characters, limit is %d", n, inbound.MaxCommentLength))
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return delivery.Failure(fmt.Errorf("waiting for rate limit: %w", err))
	}

	id := "reply-" + uuid.NewString()
	log.Info().
		Str("item_id", msg.ItemID).
		Str("to", msg.To).
		Str("message_id", id).
		Str("reply", body).
		Msg("Posted comment reply")
	return delivery.Result{Success: true, MessageID: id}
}
