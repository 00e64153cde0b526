// Package delivery defines the contract between the dispatcher and the
// transports that actually deliver a reply.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Message is one outgoing reply
type Message struct {
	ItemID    string
	To        string
	From      string
	Subject   string
	Body      string
	InReplyTo string // Message-ID of the mail being answered, when known
}

// Result reports the outcome of a send. Permanent marks failures that a
// retry cannot fix, such as an invalid recipient.
type Result struct {
	Success   bool
	MessageID string
	Error     error
	Permanent bool
}

// Sender delivers messages over one transport
type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

// Failure builds a retryable failed result
func Failure(err error) Result {
	return Result{Error: err}
}

// PermanentFailure builds a failed result that must not be retried
func PermanentFailure(err error) Result {
	return Result{Error: err, Permanent: true}
}

// ErrEmptyBody is returned for a message with nothing to say
var ErrEmptyBody = errors.New("message body is empty")

// DryRun records messages instead of delivering them
type DryRun struct {
	mu   sync.Mutex
	sent []Message
	seq  int
}

func NewDryRun() *DryRun { return &DryRun{} }

func (d *DryRun) Name() string { return "dry-run" }

func (d *DryRun) Send(ctx context.Context, msg Message) Result {
	if err := ctx.Err(); err != nil {
		return Failure(err)
	}
	if strings.TrimSpace(msg.Body) == "" {
		return PermanentFailure(ErrEmptyBody)
	}
	d.mu.Lock()
	d.seq++
	id := fmt.Sprintf("dry-run-%d-%d", time.Now().Unix(), d.seq)
	d.sent = append(d.sent, msg)
	d.mu.Unlock()

	log.Info().
		Str("item_id", msg.ItemID).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Msg("Dry run: reply not delivered")
	return Result{Success: true, MessageID: id}
}

// Sent returns a copy of every recorded message
func (d *DryRun) Sent() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, len(d.sent))
	copy(out, d.sent)
	return out
}
