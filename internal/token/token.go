// Package token provides the small cancellation-handle type shared by the
// reactor and the signal bus: a value returned from a registration call
// whose Close deregisters deterministically. Neither the reactor nor a
// signal owns the caller's closure — the caller owns the Token and the
// Token owns just enough to unregister itself, so nothing needs a back
// pointer to the object it was registered on.
package token

// Token cancels a registration when closed. Closing more than once, or
// closing a nil *Token, is a no-op.
type Token struct {
	closeFn func()
}

// New wraps fn as a Token. fn is called at most once.
func New(fn func()) *Token {
	return &Token{closeFn: fn}
}

// Close deregisters. Safe to call multiple times and on a nil receiver.
func (t *Token) Close() {
	if t == nil || t.closeFn == nil {
		return
	}
	fn := t.closeFn
	t.closeFn = nil
	fn()
}
