package scheduler

import (
	"errors"
	"sync/atomic"
)

// ErrStaleResponse marks a response whose refresh token was superseded before it
// arrived. It is internal bookkeeping and is never shown to the user.
var ErrStaleResponse = errors.New("stale response discarded")

// Token tags one fetch cycle.
type Token uint64

// Tokens mints strictly increasing refresh tokens. Only the most recently issued
// token is current; everything older is stale.
type Tokens struct {
	latest atomic.Uint64
}

// Issue mints a new token, superseding every token issued before it.
func (t *Tokens) Issue() Token {
	return Token(t.latest.Add(1))
}

// Current reports whether tok is still the latest issued token.
func (t *Tokens) Current(tok Token) bool {
	return uint64(tok) == t.latest.Load()
}

// Invalidate supersedes any in-flight token without starting a new fetch.
func (t *Tokens) Invalidate() {
	t.latest.Add(1)
}

// Latest returns the most recent token value.
func (t *Tokens) Latest() Token {
	return Token(t.latest.Load())
}
