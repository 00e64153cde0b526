package inbound

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

// Field limits of the contact form
const (
	MaxNameLength    = 100
	MaxSubjectLength = 200
	MaxMessageLength = 2000
	MaxCommentLength = 2200
)

// FieldError describes one rejected intake field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when intake input is malformed or incomplete
type ValidationError struct {
	Fields []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func checkLength(e *ValidationError, field, value string, max int) {
	if utf8.RuneCountInString(value) > max {
		e.add(field, fmt.Sprintf("must be at most %d characters", max))
	}
}

func required(e *ValidationError, field, value string) bool {
	if strings.TrimSpace(value) == "" {
		e.add(field, "is required")
		return false
	}
	return true
}

// Classification is what intake needs from the classifier
type Classification struct {
	Category  Category
	Sentiment Sentiment
	Priority  Priority
}

// Inquiry is a contact-form submission
type Inquiry struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone,omitempty"`
	Company       string `json:"company,omitempty"`
	Subject       string `json:"subject"`
	Message       string `json:"message"`
	Service       string `json:"service,omitempty"`
	Budget        string `json:"budget,omitempty"`
	PreferredDate string `json:"preferredDate,omitempty"`
}

// Normalize trims surrounding whitespace and lowercases the email
func (q *Inquiry) Normalize() {
	q.Name = strings.TrimSpace(q.Name)
	q.Email = strings.ToLower(strings.TrimSpace(q.Email))
	q.Phone = strings.TrimSpace(q.Phone)
	q.Company = strings.TrimSpace(q.Company)
	q.Subject = strings.TrimSpace(q.Subject)
	q.Message = strings.TrimSpace(q.Message)
	q.Service = strings.TrimSpace(q.Service)
	q.Budget = strings.TrimSpace(q.Budget)
	q.PreferredDate = strings.TrimSpace(q.PreferredDate)
}

func (q Inquiry) Validate() error {
	e := &ValidationError{}
	if required(e, "name", q.Name) {
		checkLength(e, "name", q.Name, MaxNameLength)
	}
	if required(e, "email", q.Email) {
		if strings.ContainsAny(q.Email, "\r\n,;") {
			e.add("email", "contains invalid characters")
		} else if _, err := mail.ParseAddress(q.Email); err != nil {
			e.add("email", "is not a valid email address")
		}
	}
	if required(e, "subject", q.Subject) {
		checkLength(e, "subject", q.Subject, MaxSubjectLength)
	}
	if required(e, "message", q.Message) {
		checkLength(e, "message", q.Message, MaxMessageLength)
	}
	if q.PreferredDate != "" {
		if _, err := time.Parse("2006-01-02", q.PreferredDate); err != nil {
			e.add("preferredDate", "must be a date in YYYY-MM-DD format")
		}
	}
	return e.orNil()
}

// ToItem admits a validated inquiry as an email-channel item
func (q Inquiry) ToItem(c Classification, receivedAt time.Time) *Item {
	it := NewItem(ChannelEmail, Sender{Name: q.Name, Handle: q.Email}, q.Subject, q.Message, receivedAt)
	it.Phone = q.Phone
	it.Company = q.Company
	it.Service = q.Service
	it.Budget = q.Budget
	it.PreferredDate = q.PreferredDate
	applyClassification(it, c)
	return it
}

// Comment is a social-post comment
type Comment struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	PostID      string `json:"postId,omitempty"`
	Text        string `json:"text"`
}

func (c *Comment) Normalize() {
	c.Username = strings.TrimPrefix(strings.TrimSpace(c.Username), "@")
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	c.PostID = strings.TrimSpace(c.PostID)
	c.Text = strings.TrimSpace(c.Text)
}

func (c Comment) Validate() error {
	e := &ValidationError{}
	if required(e, "username", c.Username) {
		if strings.ContainsAny(c.Username, " \t\r\n@") {
			e.add("username", "must be a single handle without spaces")
		}
		checkLength(e, "username", c.Username, MaxNameLength)
	}
	checkLength(e, "displayName", c.DisplayName, MaxNameLength)
	if required(e, "text", c.Text) {
		checkLength(e, "text", c.Text, MaxCommentLength)
	}
	return e.orNil()
}

// ToItem admits a validated comment as a social-channel item
func (c Comment) ToItem(cl Classification, receivedAt time.Time) *Item {
	name := c.DisplayName
	if name == "" {
		name = c.Username
	}
	it := NewItem(ChannelSocial, Sender{Name: name, Handle: "@" + c.Username}, "", c.Text, receivedAt)
	it.PostID = c.PostID
	applyClassification(it, cl)
	return it
}

func applyClassification(it *Item, c Classification) {
	it.Category = c.Category
	it.Sentiment = c.Sentiment
	if c.Priority.Valid() {
		it.Priority = c.Priority
	}
}
