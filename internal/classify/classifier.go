package classify

import (
	"regexp"
	"strings"

	"github.com/shutterdesk/autoresponder/internal/inbound"
)

// Result is the intake classification of one message
type Result struct {
	Category   inbound.Category
	Sentiment  inbound.Sentiment
	Priority   inbound.Priority
	Confidence float64
	Reason     string
}

// Classification converts the result to what intake stores on the item
func (r Result) Classification() inbound.Classification {
	return inbound.Classification{Category: r.Category, Sentiment: r.Sentiment, Priority: r.Priority}
}

type patternSet struct {
	category inbound.Category
	patterns []*regexp.Regexp
}

// Keyword patterns per category. Order matters: on equal scores the
// earlier set wins.
var (
	bookingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(book|booking|reserve|reservation|schedule|availability|available)\b`),
		regexp.MustCompile(`(?i)\b(wedding|engagement|elopement|maternity|newborn|headshots?|family\s+session|graduation)\b`),
		regexp.MustCompile(`(?i)\b(are\s+you|is\s+your\s+calendar)\s+(free|open|available)\b`),
		regexp.MustCompile(`(?i)\b(date|dates)\s+(in|on|for)\b`),
		regexp.MustCompile(`(?i)\bdm\s+(me|for)\b.*\b(book|session)`),
	}

	pricingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(price|prices|pricing|cost|costs|rate|rates|fee|fees|quote)\b`),
		regexp.MustCompile(`(?i)\bhow\s+much\b`),
		regexp.MustCompile(`(?i)\b(package|packages|budget|deposit|invoice)\b`),
		regexp.MustCompile(`[$€£]\s?\d+`),
	}

	portfolioPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(portfolio|gallery|previous\s+work|examples?\s+of\s+your\s+work)\b`),
		regexp.MustCompile(`(?i)\b(love|loved|adore)\s+(your|the)\s+(work|photos|pictures|style|shots)\b`),
		regexp.MustCompile(`(?i)\b(stunning|gorgeous|beautiful|amazing|incredible)\s+(work|photos|pictures|shots|images)\b`),
	}

	complimentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(stunning|gorgeous|beautiful|amazing|incredible|breathtaking|wow|obsessed)\b`),
		regexp.MustCompile(`(?i)\b(love|loving)\s+(this|these|it|the\s+light|your)\b`),
		regexp.MustCompile(`[😍❤️🔥👏✨💕]`),
	}

	complaintPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(refund|complain|complaint|disappointed|unacceptable|unprofessional)\b`),
		regexp.MustCompile(`(?i)\b(still\s+)?(haven'?t|have\s+not|never)\s+(received|got|gotten)\b`),
		regexp.MustCompile(`(?i)\b(late|missing|lost|ruined|blurry)\s+(photos|pictures|gallery|delivery)\b`),
	}

	spamPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(follow\s+back|follow\s+for\s+follow|f4f|l4l|check\s+my\s+(page|profile|bio))\b`),
		regexp.MustCompile(`(?i)\b(promo(te|tion)?|collab\s+with\s+us|brand\s+ambassador|free\s+followers|crypto|giveaway)\b`),
		regexp.MustCompile(`(?i)https?://\S+`),
	}

	questionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\?\s*$`),
		regexp.MustCompile(`(?i)^\s*(what|where|when|which|who|how|do|does|can|could|is|are)\b`),
		regexp.MustCompile(`(?i)\b(camera|lens|lenses|edit|editing|preset|presets|location)\b`),
	}

	positivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(love|loved|amazing|beautiful|gorgeous|stunning|excited|thank\s+you|thanks|wonderful|perfect|great|incredible)\b`),
		regexp.MustCompile(`[😍❤️🔥👏✨💕🙌]`),
	}

	negativePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(disappointed|unhappy|terrible|awful|bad|worst|angry|upset|unacceptable|refund|rude|never)\b`),
		regexp.MustCompile(`(?i)\b(not\s+(happy|satisfied|good))\b`),
	}
)

func emailSets() []patternSet {
	return []patternSet{
		{inbound.CategoryComplaint, complaintPatterns},
		{inbound.CategoryBooking, bookingPatterns},
		{inbound.CategoryPricing, pricingPatterns},
		{inbound.CategoryPortfolio, portfolioPatterns},
	}
}

func socialSets() []patternSet {
	return []patternSet{
		{inbound.CategorySpam, spamPatterns},
		{inbound.CategoryBooking, bookingPatterns},
		{inbound.CategoryPricing, pricingPatterns},
		{inbound.CategoryQuestion, questionPatterns},
		{inbound.CategoryCompliment, complimentPatterns},
	}
}

// Classify assigns category, sentiment and priority to an inbound message.
// Subject matches count double.
func Classify(channel inbound.Channel, subject, text string) Result {
	sets := emailSets()
	fallback := inbound.CategoryGeneral
	if channel == inbound.ChannelSocial {
		sets = socialSets()
		fallback = inbound.CategoryQuestion
	}

	result := Result{Category: fallback}

	maxScore, secondScore := 0, 0
	for _, set := range sets {
		score := 0
		for _, p := range set.patterns {
			if subject != "" && p.MatchString(subject) {
				score += 2
			}
			if p.MatchString(text) {
				score++
			}
		}
		if score > maxScore {
			secondScore = maxScore
			maxScore = score
			result.Category = set.category
		} else if score > secondScore {
			secondScore = score
		}
	}

	if maxScore > 0 {
		if secondScore == 0 {
			result.Confidence = 0.85
		} else {
			margin := float64(maxScore-secondScore) / float64(maxScore)
			result.Confidence = 0.5 + margin*0.4
		}
	} else {
		result.Confidence = 0.3
	}

	result.Sentiment = ClassifySentiment(subject + " " + text)
	// Spam and complaints are not positive, whatever the wording says
	if result.Category == inbound.CategoryComplaint && result.Sentiment == inbound.SentimentPositive {
		result.Sentiment = inbound.SentimentNeutral
	}
	result.Priority = priorityFor(result.Category, result.Sentiment, text)
	result.Reason = reasonFor(result.Category, maxScore)
	return result
}

// ClassifySentiment counts positive against negative cues
func ClassifySentiment(text string) inbound.Sentiment {
	pos, neg := 0, 0
	for _, p := range positivePatterns {
		pos += len(p.FindAllStringIndex(text, -1))
	}
	for _, p := range negativePatterns {
		neg += len(p.FindAllStringIndex(text, -1))
	}
	switch {
	case pos > neg:
		return inbound.SentimentPositive
	case neg > pos:
		return inbound.SentimentNegative
	default:
		return inbound.SentimentNeutral
	}
}

var urgentPattern = regexp.MustCompile(`(?i)\b(urgent|asap|this\s+(week|weekend)|tomorrow|today)\b`)

func priorityFor(cat inbound.Category, sent inbound.Sentiment, text string) inbound.Priority {
	switch {
	case cat == inbound.CategoryComplaint, sent == inbound.SentimentNegative:
		return inbound.PriorityHigh
	case cat == inbound.CategoryBooking && urgentPattern.MatchString(text):
		return inbound.PriorityHigh
	case cat == inbound.CategorySpam, cat == inbound.CategoryCompliment:
		return inbound.PriorityLow
	default:
		return inbound.PriorityMedium
	}
}

func reasonFor(cat inbound.Category, score int) string {
	if score == 0 {
		return "No category keywords matched; using channel default"
	}
	switch cat {
	case inbound.CategoryBooking:
		return "Mentions a session type or availability"
	case inbound.CategoryPricing:
		return "Asks about prices or packages"
	case inbound.CategoryPortfolio:
		return "Refers to the portfolio or previous work"
	case inbound.CategoryComplaint:
		return "Expresses a complaint about a delivered service"
	case inbound.CategoryCompliment:
		return "Compliments the post"
	case inbound.CategoryQuestion:
		return "Asks a question"
	case inbound.CategorySpam:
		return "Looks like promotional spam"
	default:
		return "General inquiry"
	}
}

// HasAutoReplyMarkers reports whether a mail subject looks like an
// out-of-office or other automatic reply, which must never be answered.
func HasAutoReplyMarkers(subject string) bool {
	s := strings.ToLower(strings.TrimSpace(subject))
	for _, p := range autoReplySubjects {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

var autoReplySubjects = []*regexp.Regexp{
	regexp.MustCompile(`^automatic\s+reply`),
	regexp.MustCompile(`^auto[\s-]?(reply|response)`),
	regexp.MustCompile(`^out\s+of\s+(the\s+)?office`),
	regexp.MustCompile(`undeliverable|delivery\s+status\s+notification|mail\s+delivery\s+failed|returned\s+mail`),
}
