package tx

import "context"

type ctxKey struct{}

// FromContext returns the transaction active in ctx, or nil.
func FromContext(ctx context.Context) *Tx {
	t, _ := ctx.Value(ctxKey{}).(*Tx)
	if t == nil || t.state != StateActive {
		return nil
	}
	return t
}

// NewContext returns a child of ctx carrying t.
func NewContext(ctx context.Context, t *Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}
