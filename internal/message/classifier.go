// Package message turns queued inbound messages into persisted chat
// state: customers, sessions, classification, and reactions.
package message

import (
	"strings"

	"github.com/relaydesk/relaydesk/internal/db"
)

// Keyword rules, most specific intent first. The billing vocabulary is
// checked before support because "problem with my invoice" should land
// on billing, not support.
var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{db.IntentBilling, []string{
		"invoice", "payment", "billing", "refund", "charge", "subscription", "receipt",
	}},
	{db.IntentSupport, []string{
		"help", "issue", "problem", "broken", "error", "not working", "bug", "support", "fix",
	}},
	{db.IntentSales, []string{
		"price", "pricing", "buy", "purchase", "quote", "demo", "trial", "upgrade", "plan",
	}},
}

var positiveWords = []string{
	"thanks", "thank you", "great", "awesome", "perfect", "love", "excellent", "good", "happy",
}

var negativeWords = []string{
	"angry", "terrible", "awful", "worst", "useless", "hate", "bad", "disappointed",
	"frustrated", "cancel", "complaint", "unacceptable",
}

// ClassifyIntent categorizes a message body by keyword rules. Unknown
// or empty bodies fall back to general.
func ClassifyIntent(body string) string {
	lower := strings.ToLower(body)
	for _, rule := range intentKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.intent
			}
		}
	}
	return db.IntentGeneral
}

// ClassifySentiment scores a message body against small positive and
// negative lexicons; ties and empty bodies are neutral.
func ClassifySentiment(body string) string {
	lower := strings.ToLower(body)

	score := 0
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			score++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			score--
		}
	}

	switch {
	case score > 0:
		return db.SentimentPositive
	case score < 0:
		return db.SentimentNegative
	default:
		return db.SentimentNeutral
	}
}
