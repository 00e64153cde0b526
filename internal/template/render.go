package template

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shutterdesk/autoresponder/internal/inbound"
)

// Rand is the randomness the personalizer needs; *math/rand.Rand satisfies it
type Rand interface {
	Intn(n int) int
}

// MaxHashtags is how many hashtags a social reply carries at most
const MaxHashtags = 3

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_]*)\s*\}\}`)

// knownTokens maps placeholder names to item fields
var knownTokens = map[string]func(*inbound.Item) string{
	"fromName":      func(it *inbound.Item) string { return it.Sender.Name },
	"firstName":     func(it *inbound.Item) string { return it.FirstName() },
	"fromEmail":     func(it *inbound.Item) string { return it.Sender.Handle },
	"username":      func(it *inbound.Item) string { return it.Sender.Handle },
	"subject":       func(it *inbound.Item) string { return it.Subject },
	"content":       func(it *inbound.Item) string { return it.Text },
	"comment":       func(it *inbound.Item) string { return it.Text },
	"company":       func(it *inbound.Item) string { return it.Company },
	"phone":         func(it *inbound.Item) string { return it.Phone },
	"service":       func(it *inbound.Item) string { return it.Service },
	"budget":        func(it *inbound.Item) string { return it.Budget },
	"preferredDate": func(it *inbound.Item) string { return it.PreferredDate },
}

// KnownTokens returns the placeholder names templates may use, sorted
func KnownTokens() []string {
	names := make([]string, 0, len(knownTokens))
	for name := range knownTokens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tokens returns the distinct placeholder names in text, in order of appearance
func Tokens(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range tokenPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// UnknownTokens returns the placeholders in text that no item field backs
func UnknownTokens(text string) []string {
	var out []string
	for _, name := range Tokens(text) {
		if _, ok := knownTokens[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

func substitute(text string, item *inbound.Item) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		field, ok := knownTokens[name]
		if !ok {
			return match
		}
		return field(item)
	})
}

// Render produces the outgoing text for item. Unknown placeholders are
// left as written. Social replies get one emoji and up to MaxHashtags
// hashtags drawn from rnd; a nil rnd skips the decoration.
func Render(t *Template, item *inbound.Item, rnd Rand) string {
	text := substitute(t.Body, item)
	if item.Channel != inbound.ChannelSocial || rnd == nil {
		return text
	}

	text = strings.TrimRight(text, " \n")
	if len(t.Emojis) > 0 {
		text += " " + t.Emojis[rnd.Intn(len(t.Emojis))]
	}
	if tags := pickHashtags(t.Hashtags, rnd); len(tags) > 0 {
		text += " " + strings.Join(tags, " ")
	}
	return text
}

// RenderSubject builds the reply subject line for the email channel
func RenderSubject(t *Template, item *inbound.Item) string {
	if t.Subject != "" {
		return substitute(t.Subject, item)
	}
	if item.Subject == "" {
		return "Thanks for reaching out"
	}
	if strings.HasPrefix(strings.ToLower(item.Subject), "re:") {
		return item.Subject
	}
	return "Re: " + item.Subject
}

// pickHashtags draws up to MaxHashtags distinct tags with a partial shuffle
func pickHashtags(tags []string, rnd Rand) []string {
	n := len(tags)
	if n == 0 {
		return nil
	}
	pool := make([]string, n)
	copy(pool, tags)
	k := MaxHashtags
	if n < k {
		k = n
	}
	for i := 0; i < k; i++ {
		j := i + rnd.Intn(n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	out := make([]string, k)
	for i, tag := range pool[:k] {
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}
		out[i] = tag
	}
	return out
}
