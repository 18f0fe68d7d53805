// Package tokencount provides tiktoken-based token counting and truncation,
// used by the Builder runner to bound artifact context and by the LLM
// gateway to estimate prompt and completion token counts for metrics.
package tokencount

import (
	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens against a fixed encoding.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter builds a Counter. All current provider models are close enough
// in tokenization behavior that a single GPT-4 encoding is used as a
// reasonable approximation across providers (exact parity is not required;
// this is only used for soft truncation budgets and metrics estimates,
// never for billing).
func NewCounter() (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, err
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in text, falling back to a
// character-based estimate if the codec can't encode it.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// TruncateBytes truncates text to at most maxBytes, preferring to cut on a
// token boundary so the tail isn't a half-formed token or UTF-8 rune. Falls
// back to a raw byte cut (snapped to a valid rune boundary) if the codec is
// unavailable.
func (c *Counter) TruncateBytes(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}

	if c == nil || c.codec == nil {
		return truncateRuneSafe(text, maxBytes)
	}

	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return truncateRuneSafe(text, maxBytes)
	}

	// Binary search for the largest token prefix that decodes to <= maxBytes.
	lo, hi := 0, len(ids)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		decoded, err := c.codec.Decode(ids[:mid])
		if err != nil || len(decoded) > maxBytes {
			hi = mid - 1
			continue
		}
		lo = mid
	}

	decoded, err := c.codec.Decode(ids[:lo])
	if err != nil {
		return truncateRuneSafe(text, maxBytes)
	}
	return decoded
}

func truncateRuneSafe(text string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	cut := maxBytes
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
