// Package tokens estimates prompt sizes.
//
// Estimates are approximations. The character heuristic is the default so that
// assembly is reproducible without any model tokenizer; an exact BPE tokenizer
// can be swapped in behind the same interface.
package tokens

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultCharsPerToken is the characters-per-token ratio used by CharEstimator.
const DefaultCharsPerToken = 4.0

// Estimator converts text into an estimated token count.
type Estimator interface {
	Estimate(text string) int
}

// CharEstimator estimates tokens as ceil(runes / CharsPerToken) over trimmed text.
type CharEstimator struct {
	CharsPerToken float64
}

// NewCharEstimator returns a CharEstimator with the default ratio.
func NewCharEstimator() CharEstimator {
	return CharEstimator{CharsPerToken: DefaultCharsPerToken}
}

// Estimate implements Estimator.
func (e CharEstimator) Estimate(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / ratio))
}

// TiktokenEstimator counts tokens with an OpenAI BPE encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the named encoding (for example "cl100k_base").
// The encoding tables are fetched and cached by tiktoken-go on first use.
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// Estimate implements Estimator.
func (e *TiktokenEstimator) Estimate(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return len(e.enc.EncodeOrdinary(text))
}

// New returns the estimator selected by name: "chars" or "tiktoken".
func New(name string) (Estimator, error) {
	switch name {
	case "", "chars":
		return NewCharEstimator(), nil
	case "tiktoken":
		return NewTiktokenEstimator("cl100k_base")
	default:
		return nil, fmt.Errorf("unknown token estimator %q", name)
	}
}

// Clamp returns the longest rune prefix of text whose estimate fits maxTokens.
func Clamp(est Estimator, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if est.Estimate(text) <= maxTokens {
		return text
	}

	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if est.Estimate(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
