package inbound

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel identifies where an item came from and where its reply goes
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelSocial Channel = "social"
)

// Category is assigned at intake and never changes afterwards
type Category string

const (
	CategoryBooking    Category = "booking"
	CategoryPricing    Category = "pricing"
	CategoryPortfolio  Category = "portfolio"  // email only
	CategoryGeneral    Category = "general"    // email only
	CategoryComplaint  Category = "complaint"  // email only
	CategoryCompliment Category = "compliment" // social only
	CategoryQuestion   Category = "question"   // social only
	CategorySpam       Category = "spam"       // social only
)

var channelCategories = map[Channel][]Category{
	ChannelEmail:  {CategoryBooking, CategoryPricing, CategoryPortfolio, CategoryGeneral, CategoryComplaint},
	ChannelSocial: {CategoryBooking, CategoryPricing, CategoryCompliment, CategoryQuestion, CategorySpam},
}

// Categories returns the closed category set for the channel, in a fixed order
func (c Channel) Categories() []Category {
	return channelCategories[c]
}

func (c Channel) Valid() bool {
	_, ok := channelCategories[c]
	return ok
}

// Allows reports whether cat belongs to the channel's category set
func (c Channel) Allows(cat Category) bool {
	for _, known := range channelCategories[c] {
		if known == cat {
			return true
		}
	}
	return false
}

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

func (s Sentiment) Valid() bool {
	return s == SentimentPositive || s == SentimentNeutral || s == SentimentNegative
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Rank orders priorities for sorting: high first when ascending
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Status is the dispatch state of an item
type Status string

const (
	StatusNew        Status = "new"
	StatusProcessing Status = "processing"
	StatusResponded  Status = "responded"
	StatusFailed     Status = "failed"
	StatusIgnored    Status = "ignored"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusProcessing, StatusResponded, StatusFailed, StatusIgnored:
		return true
	}
	return false
}

// Terminal reports whether no transition is defined out of s
func (s Status) Terminal() bool {
	return s == StatusResponded || s == StatusFailed || s == StatusIgnored
}

var ErrInvalidTransition = errors.New("invalid status transition")

// Sender is the contact handle of whoever wrote the item
type Sender struct {
	Name   string `json:"name"`
	Handle string `json:"handle"` // email address or @username
}

// Item is one email inquiry or social comment awaiting a possible reply
type Item struct {
	ID         string    `json:"id"`
	Channel    Channel   `json:"channel"`
	Sender     Sender    `json:"sender"`
	Subject    string    `json:"subject,omitempty"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"receivedAt"`
	Category   Category  `json:"category"`
	Sentiment  Sentiment `json:"sentiment"`
	Priority   Priority  `json:"priority"`
	Status     Status    `json:"status"`

	// Contact form extras (email channel)
	Phone         string `json:"phone,omitempty"`
	Company       string `json:"company,omitempty"`
	Service       string `json:"service,omitempty"`
	Budget        string `json:"budget,omitempty"`
	PreferredDate string `json:"preferredDate,omitempty"`
	// Social extras
	PostID string `json:"postId,omitempty"`
	// Inbound mail Message-ID, used to skip mail already ingested
	SourceID string `json:"sourceId,omitempty"`

	Attempts       int        `json:"attempts"`
	LastError      string     `json:"lastError,omitempty"`
	ResponseSentAt *time.Time `json:"responseSentAt,omitempty"`
	ResponseText   string     `json:"responseText,omitempty"`
}

// NewItem creates an item in the new state with a fresh id
func NewItem(channel Channel, sender Sender, subject, text string, receivedAt time.Time) *Item {
	return &Item{
		ID:         uuid.New().String(),
		Channel:    channel,
		Sender:     sender,
		Subject:    subject,
		Text:       text,
		ReceivedAt: receivedAt,
		Priority:   PriorityMedium,
		Status:     StatusNew,
	}
}

// Clone returns a deep copy so stores never share mutable state with callers
func (it *Item) Clone() *Item {
	c := *it
	if it.ResponseSentAt != nil {
		t := *it.ResponseSentAt
		c.ResponseSentAt = &t
	}
	return &c
}

func (it *Item) transition(from, to Status) error {
	if it.Status != from {
		return fmt.Errorf("%w: %s -> %s (item %s is %s)", ErrInvalidTransition, from, to, it.ID, it.Status)
	}
	it.Status = to
	return nil
}

// Begin moves a new item into processing once the gate has accepted it
func (it *Item) Begin() error {
	if err := it.transition(StatusNew, StatusProcessing); err != nil {
		return err
	}
	it.Attempts++
	return nil
}

// Stall returns a processing item to new without counting the attempt.
// The reason is kept in LastError.
func (it *Item) Stall(reason string) error {
	if err := it.transition(StatusProcessing, StatusNew); err != nil {
		return err
	}
	if it.Attempts > 0 {
		it.Attempts--
	}
	it.LastError = reason
	return nil
}

// Respond records a successful send. Text and timestamp are set together.
func (it *Item) Respond(text string, at time.Time) error {
	if text == "" {
		return fmt.Errorf("%w: empty response text", ErrInvalidTransition)
	}
	if err := it.transition(StatusProcessing, StatusResponded); err != nil {
		return err
	}
	sentAt := at
	it.ResponseText = text
	it.ResponseSentAt = &sentAt
	it.LastError = ""
	return nil
}

// Fail records a failed send; the response fields stay unset
func (it *Item) Fail(reason string) error {
	if err := it.transition(StatusProcessing, StatusFailed); err != nil {
		return err
	}
	it.LastError = reason
	return nil
}

// Ignore dismisses a social comment without answering it
func (it *Item) Ignore() error {
	if it.Channel != ChannelSocial {
		return fmt.Errorf("%w: only social items can be ignored", ErrInvalidTransition)
	}
	return it.transition(StatusNew, StatusIgnored)
}

// Validate checks the structural invariants of an item
func (it *Item) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("item: id is required")
	}
	if !it.Channel.Valid() {
		return fmt.Errorf("item %s: unknown channel %q", it.ID, it.Channel)
	}
	if !it.Channel.Allows(it.Category) {
		return fmt.Errorf("item %s: category %q is not valid for channel %s", it.ID, it.Category, it.Channel)
	}
	if !it.Sentiment.Valid() {
		return fmt.Errorf("item %s: unknown sentiment %q", it.ID, it.Sentiment)
	}
	if !it.Status.Valid() {
		return fmt.Errorf("item %s: unknown status %q", it.ID, it.Status)
	}
	if (it.ResponseSentAt == nil) != (it.ResponseText == "") {
		return fmt.Errorf("item %s: response text and timestamp must be set together", it.ID)
	}
	if it.ResponseSentAt != nil && it.Status != StatusResponded {
		return fmt.Errorf("item %s: response recorded but status is %s", it.ID, it.Status)
	}
	return nil
}

// DueAt is when the item becomes eligible given a response delay
func (it *Item) DueAt(delay time.Duration) time.Time {
	return it.ReceivedAt.Add(delay)
}

// FirstName returns the first word of the sender's display name
func (it *Item) FirstName() string {
	name := it.Sender.Name
	for i, r := range name {
		if r == ' ' {
			return name[:i]
		}
	}
	return name
}
