// Package transport abstracts the exchange event feed behind one contract
// with swappable strategies: pooled persistent websockets or polling with a
// time cursor. Both emit the same raw shape downstream.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/domain"
)

// RawEvent is the provider payload reduced to the fields the normalizer
// consumes. Strategy implementations fill it; nothing downstream touches
// provider types.
type RawEvent struct {
	User  string // address the provider attributes the event to
	Kind  domain.EventKind
	Asset string
	Side  string // provider-native side token ("B", "A", "deposit", ...)
	Price decimal.Decimal
	Size  decimal.Decimal
	Value decimal.Decimal // notional; transfers carry their USD value here
	Hash  string
	Tid   int64
	Oid   int64
	Time  time.Time
}

// Handler consumes raw events from a subscription.
type Handler func(RawEvent)

// SubID identifies one active subscription on a source.
type SubID int64

// ErrUnauthorized marks permanent authorization failures; the pool does
// not retry these.
var ErrUnauthorized = errors.New("transport: unauthorized")

// ErrClosed is returned by operations on a closed source.
var ErrClosed = errors.New("transport: source closed")

// EventSource is one upstream connection. The pool owns its lifecycle:
// Connect and Subscribe are bounded by their contexts, Close is bounded by
// the caller so a hang can never block shutdown.
type EventSource interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, entityID string, h Handler) (SubID, error)
	Unsubscribe(id SubID) error
	Close() error
}

// Factory mints fresh sources so the pool can replace a failed connection
// without knowing the strategy behind it.
type Factory func() EventSource

// IsAuthError reports whether err is permanent and retrying is pointless.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
