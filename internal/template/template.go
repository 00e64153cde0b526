package template

import (
	"embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shutterdesk/autoresponder/internal/inbound"
)

//go:embed templates/*.yaml
var embeddedTemplates embed.FS

// Conditions decide whether a template applies to an item
type Conditions struct {
	// Keywords are descriptive metadata; they do not gate selection
	Keywords  []string            `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Sentiment []inbound.Sentiment `yaml:"sentiment" json:"sentiment"`
	Category  []inbound.Category  `yaml:"category" json:"category"`
}

// Template is a pre-authored response body with {{token}} placeholders
type Template struct {
	ID         string           `yaml:"id" json:"id"`
	Name       string           `yaml:"name" json:"name"`
	Channel    inbound.Channel  `yaml:"channel,omitempty" json:"channel,omitempty"` // empty means any channel
	Category   inbound.Category `yaml:"category" json:"category"`
	Enabled    bool             `yaml:"enabled" json:"enabled"`
	Priority   int              `yaml:"priority" json:"priority"` // lower is preferred
	Conditions Conditions       `yaml:"conditions" json:"conditions"`
	Subject    string           `yaml:"subject,omitempty" json:"subject,omitempty"`
	Body       string           `yaml:"body" json:"body"`
	Emojis     []string         `yaml:"emojis,omitempty" json:"emojis,omitempty"`
	Hashtags   []string         `yaml:"hashtags,omitempty" json:"hashtags,omitempty"`
}

// Catalog is an ordered, validated set of templates
type Catalog struct {
	Templates []Template `yaml:"templates" json:"templates"`
}

// LoadFromFile reads and validates a YAML catalog
func LoadFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the catalog shipped with the binary
func Default() (*Catalog, error) {
	data, err := embeddedTemplates.ReadFile("templates/default.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Get returns the template with the given id, or nil
func (c *Catalog) Get(id string) *Template {
	for i := range c.Templates {
		if c.Templates[i].ID == id {
			return &c.Templates[i]
		}
	}
	return nil
}

// ForChannel returns the templates usable on a channel, in catalog order
func (c *Catalog) ForChannel(ch inbound.Channel) []Template {
	var out []Template
	for _, t := range c.Templates {
		if t.Channel == "" || t.Channel == ch {
			out = append(out, t)
		}
	}
	return out
}

// Validate rejects catalogs that would produce broken replies. Unknown
// placeholders are a load-time error so they never reach a recipient.
func (c *Catalog) Validate() error {
	if len(c.Templates) == 0 {
		return fmt.Errorf("template catalog is empty")
	}
	seen := make(map[string]bool)
	for i, t := range c.Templates {
		if t.ID == "" {
			return fmt.Errorf("template #%d: id is required", i+1)
		}
		if seen[t.ID] {
			return fmt.Errorf("template %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if err := t.validate(); err != nil {
			return fmt.Errorf("template %s: %w", t.ID, err)
		}
	}
	return nil
}

func (t Template) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if t.Channel != "" && !t.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", t.Channel)
	}
	if !t.allowsCategory(t.Category) {
		return fmt.Errorf("category %q is not valid for channel %q", t.Category, t.Channel)
	}
	if len(t.Conditions.Category) == 0 {
		return fmt.Errorf("conditions.category must list at least one category")
	}
	for _, cat := range t.Conditions.Category {
		if !t.allowsCategory(cat) {
			return fmt.Errorf("conditions.category: %q is not valid for channel %q", cat, t.Channel)
		}
	}
	if len(t.Conditions.Sentiment) == 0 {
		return fmt.Errorf("conditions.sentiment must list at least one sentiment")
	}
	for _, s := range t.Conditions.Sentiment {
		if !s.Valid() {
			return fmt.Errorf("conditions.sentiment: unknown sentiment %q", s)
		}
	}
	if strings.TrimSpace(t.Body) == "" {
		return fmt.Errorf("body is required")
	}
	if t.Channel == inbound.ChannelEmail && (len(t.Emojis) > 0 || len(t.Hashtags) > 0) {
		return fmt.Errorf("emojis and hashtags only apply to social templates")
	}
	if unknown := UnknownTokens(t.Subject + "\n" + t.Body); len(unknown) > 0 {
		return fmt.Errorf("unknown placeholders: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func (t Template) allowsCategory(cat inbound.Category) bool {
	if t.Channel != "" {
		return t.Channel.Allows(cat)
	}
	return inbound.ChannelEmail.Allows(cat) || inbound.ChannelSocial.Allows(cat)
}

// Applicable reports whether the template may answer the item
func (t *Template) Applicable(item *inbound.Item) bool {
	if !t.Enabled {
		return false
	}
	if t.Channel != "" && t.Channel != item.Channel {
		return false
	}
	return containsCategory(t.Conditions.Category, item.Category) &&
		containsSentiment(t.Conditions.Sentiment, item.Sentiment)
}

func containsCategory(set []inbound.Category, c inbound.Category) bool {
	for _, v := range set {
		if v == c {
			return true
		}
	}
	return false
}

func containsSentiment(set []inbound.Sentiment, s inbound.Sentiment) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Select picks the applicable template with the lowest priority; ties go
// to the earliest in catalog order. Returns nil when nothing applies.
func Select(item *inbound.Item, templates []Template) *Template {
	var best *Template
	for i := range templates {
		t := &templates[i]
		if !t.Applicable(item) {
			continue
		}
		if best == nil || t.Priority < best.Priority {
			best = t
		}
	}
	return best
}

var keywordSplit = regexp.MustCompile(`[^\p{L}\p{N}']+`)

// MatchedKeywords lists the template keywords present in the item text
func MatchedKeywords(t *Template, item *inbound.Item) []string {
	words := make(map[string]bool)
	for _, w := range keywordSplit.Split(strings.ToLower(item.Subject+" "+item.Text), -1) {
		if w != "" {
			words[w] = true
		}
	}
	var matched []string
	for _, kw := range t.Conditions.Keywords {
		if words[strings.ToLower(kw)] {
			matched = append(matched, kw)
		}
	}
	return matched
}
