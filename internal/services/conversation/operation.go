package conversation

import (
	"context"
	"sync"

	"github.com/pollinations-tgbot-go/internal/models"
)

// Operation is one claimed generation slot for a (chat, kind)
type Operation struct {
	ID     string
	ChatID int64
	Kind   models.OperationKind

	ctx    context.Context
	cancel context.CancelFunc
	store  *Store
	seq    uint64
	once   sync.Once
}

// Context is cancelled on force stop or when the operation finishes
func (o *Operation) Context() context.Context {
	return o.ctx
}

// Stopped reports whether the operation was cancelled
func (o *Operation) Stopped() bool {
	return o.ctx.Err() != nil
}

// Finish releases the slot. Safe to call more than once.
func (o *Operation) Finish() {
	o.once.Do(func() {
		o.store.release(o)
		o.cancel()
	})
}
