package inbox

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/shutterdesk/autoresponder/internal/classify"
	"github.com/shutterdesk/autoresponder/internal/inbound"
)

var (
	// Bounce sender patterns
	bounceSenders = []string{
		"mailer-daemon", "postmaster", "mail delivery",
		"mail delivery system", "mail delivery subsystem",
		"mailerdaemon", "mailsystem",
	}

	// Bounce subject patterns
	bounceSubjects = []string{
		"undeliverable", "delivery failed", "delivery status notification",
		"returned mail", "mail delivery failed", "delivery failure",
		"message not delivered", "could not be delivered",
	}

	noReplySenders = []string{"noreply", "no-reply", "donotreply", "do-not-reply"}

	// "On Tue, Mar 5, 2024 at 9:14 AM Jane <jane@x.com> wrote:"
	quoteHeader = regexp.MustCompile(`(?im)^\s*on\s.+wrote:\s*$`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
)

// SkipReason explains why an email was not admitted
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipOwn       SkipReason = "own_address"
	SkipBounce    SkipReason = "bounce"
	SkipAutoReply SkipReason = "auto_reply"
	SkipNoReply   SkipReason = "no_reply_sender"
	SkipBulk      SkipReason = "bulk"
	SkipEmpty     SkipReason = "empty"
)

// ShouldSkip reports whether the email must not become an inbound item.
// Answering bounces, autoresponders or our own mail risks a reply loop.
func ShouldSkip(email Email, ownAddress string) SkipReason {
	fromLower := strings.ToLower(email.From)
	fromNameLower := strings.ToLower(email.FromName)
	subjectLower := strings.ToLower(email.Subject)

	if ownAddress != "" && strings.EqualFold(email.From, ownAddress) {
		return SkipOwn
	}
	for _, sender := range bounceSenders {
		if strings.Contains(fromLower, sender) || strings.Contains(fromNameLower, sender) {
			return SkipBounce
		}
	}
	for _, pattern := range bounceSubjects {
		if strings.Contains(subjectLower, pattern) {
			return SkipBounce
		}
	}
	if email.AutoSubmitted || classify.HasAutoReplyMarkers(email.Subject) {
		return SkipAutoReply
	}
	local := fromLower
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	for _, p := range noReplySenders {
		if strings.Contains(local, p) {
			return SkipNoReply
		}
	}
	if email.Bulk {
		return SkipBulk
	}
	if strings.TrimSpace(email.Body) == "" && strings.TrimSpace(email.HTMLBody) == "" {
		return SkipEmpty
	}
	return SkipNone
}

// htmlToText flattens an HTML body to readable text
func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()
	// Quoted history from the client's previous messages
	doc.Find("blockquote, .gmail_quote, #divRplyFwdMsg").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4").Each(func(i int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		lines = append(lines, strings.Join(strings.Fields(line), " "))
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// cleanBody drops quoted history and the signature from a plain-text reply
func cleanBody(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if loc := quoteHeader.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}

	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line == "-- " || line == "--" {
			break
		}
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(out, "\n"), "\n\n"))
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// BodyText returns the cleaned text of an email, preferring the plain part
func BodyText(email Email) string {
	if strings.TrimSpace(email.Body) != "" {
		return cleanBody(email.Body)
	}
	return cleanBody(htmlToText(email.HTMLBody))
}

// ToItem converts an admitted email into a classified email-channel item
func ToItem(email Email) *inbound.Item {
	text := truncateRunes(BodyText(email), inbound.MaxMessageLength)
	subject := truncateRunes(strings.TrimSpace(email.Subject), inbound.MaxSubjectLength)

	name := strings.TrimSpace(email.FromName)
	if name == "" {
		name = email.From
		if i := strings.IndexByte(name, '@'); i > 0 {
			name = name[:i]
		}
	}
	name = truncateRunes(name, inbound.MaxNameLength)

	it := inbound.NewItem(inbound.ChannelEmail,
		inbound.Sender{Name: name, Handle: strings.ToLower(email.From)},
		subject, text, email.ReceivedAt)
	it.SourceID = email.MessageID

	result := classify.Classify(inbound.ChannelEmail, subject, text)
	c := result.Classification()
	it.Category, it.Sentiment, it.Priority = c.Category, c.Sentiment, c.Priority
	return it
}
