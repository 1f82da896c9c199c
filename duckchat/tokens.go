package duckchat

import (
	"context"
	"slices"
)

// TokenLedger holds the x-vqd-4 tokens issued so far, in order. The token at
// index i authorizes turn i+1; the most recent token authorizes the next
// turn.
type TokenLedger struct {
	tokens []string
}

// Ensure acquires the first token through fetch when the ledger is empty.
func (l *TokenLedger) Ensure(ctx context.Context, fetch func(context.Context) (string, error)) error {
	if len(l.tokens) > 0 {
		return nil
	}
	tok, err := fetch(ctx)
	if err != nil {
		return err
	}
	l.tokens = append(l.tokens, tok)
	return nil
}

// Current returns the most recent token, or ErrNoToken when the ledger is
// empty.
func (l *TokenLedger) Current() (string, error) {
	if len(l.tokens) == 0 {
		return "", ErrNoToken
	}
	return l.tokens[len(l.tokens)-1], nil
}

// Append records the token issued by a completed turn.
func (l *TokenLedger) Append(tok string) {
	l.tokens = append(l.tokens, tok)
}

// Rewind keeps only the first n tokens, mirroring a history truncation.
func (l *TokenLedger) Rewind(n int) {
	if n < 0 {
		n = 0
	}
	if n >= len(l.tokens) {
		return
	}
	l.tokens = l.tokens[:n]
}

// Len returns the number of tokens held.
func (l *TokenLedger) Len() int {
	return len(l.tokens)
}

// Tokens returns a copy of the ledger contents.
func (l *TokenLedger) Tokens() []string {
	return slices.Clone(l.tokens)
}
