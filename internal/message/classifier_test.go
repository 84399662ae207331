package message

import (
	"testing"

	"github.com/relaydesk/relaydesk/internal/db"
)

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"billing keyword", "I need a refund on my last invoice", db.IntentBilling},
		{"support keyword", "the app is broken again", db.IntentSupport},
		{"sales keyword", "can I get a demo of the pro plan?", db.IntentSales},
		{"billing beats support", "problem with my invoice", db.IntentBilling},
		{"case insensitive", "PRICING please", db.IntentSales},
		{"no match", "hello there", db.IntentGeneral},
		{"empty body", "", db.IntentGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyIntent(tt.body); got != tt.want {
				t.Errorf("ClassifyIntent(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestClassifySentiment(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"positive", "thanks, this is great", db.SentimentPositive},
		{"negative", "this is terrible, I want to cancel", db.SentimentNegative},
		{"mixed cancels out", "great product but awful support", db.SentimentNeutral},
		{"neutral", "what time do you open?", db.SentimentNeutral},
		{"empty body", "", db.SentimentNeutral},
		{"case insensitive", "AWESOME", db.SentimentPositive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifySentiment(tt.body); got != tt.want {
				t.Errorf("ClassifySentiment(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}
