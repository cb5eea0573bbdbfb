package translator

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teilomillet/lorebridge/chat"
)

// DefaultEncoding approximates the provider tokenizer.
const DefaultEncoding = "cl100k_base"

// perMessageOverhead accounts for role markers around every message.
const perMessageOverhead = 4

// Counter estimates token counts.
type Counter interface {
	Count(text string) int
	CountConversation(conv chat.Conversation) int
}

// TokenCounter counts tokens with a tiktoken encoding.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter loads the named tiktoken encoding. Loading may need to
// fetch the BPE ranks on first use.
func NewTokenCounter(encoding string) (*TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", encoding, err)
	}
	return &TokenCounter{encoding: enc}, nil
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountConversation sums the tokens of every message plus overhead.
func (tc *TokenCounter) CountConversation(conv chat.Conversation) int {
	return countConversation(tc, conv)
}

// EstimateCounter approximates four characters per token. It is the
// fallback when no tiktoken encoding can be loaded.
type EstimateCounter struct{}

// Count returns ceil(runes/4).
func (EstimateCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// CountConversation sums the estimate of every message plus overhead.
func (e EstimateCounter) CountConversation(conv chat.Conversation) int {
	return countConversation(e, conv)
}

func countConversation(c Counter, conv chat.Conversation) int {
	total := 0
	for _, m := range conv {
		total += c.Count(m.Content) + perMessageOverhead
	}
	return total
}
