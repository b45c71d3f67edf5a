package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	hl "github.com/sonirico/go-hyperliquid"

	"whale-flow-alerts/internal/domain"
)

// Hyperliquid streams order fills over one exchange websocket. Each pool
// slot owns one instance; subscriptions are per watched address.
type Hyperliquid struct {
	wsURL  string
	logger zerolog.Logger

	mu     sync.Mutex
	ws     *hl.WebsocketClient
	subs   map[SubID]*hl.Subscription
	nextID SubID
	closed bool
}

// NewHyperliquid builds a disconnected stream source for wsURL.
func NewHyperliquid(wsURL string, logger zerolog.Logger) *Hyperliquid {
	return &Hyperliquid{
		wsURL:  wsURL,
		logger: logger.With().Str("component", "hl_stream").Logger(),
		subs:   make(map[SubID]*hl.Subscription),
	}
}

// Connect dials the websocket. The caller bounds ctx.
func (h *Hyperliquid) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	ws := hl.NewWebsocketClient(h.wsURL)
	if err := ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect websocket: %w", err)
	}
	h.ws = ws
	return nil
}

// Subscribe registers an order-fill subscription for one address. The
// go-hyperliquid callback is bound to the subscription parameters, so the
// emitted events carry the subscribed identity.
func (h *Hyperliquid) Subscribe(ctx context.Context, entityID string, handler Handler) (SubID, error) {
	h.mu.Lock()
	ws := h.ws
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return 0, ErrClosed
	}
	if ws == nil {
		return 0, fmt.Errorf("subscribe %s: not connected", entityID)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sub, err := ws.OrderFills(
		hl.OrderFillsSubscriptionParams{User: entityID},
		func(fills hl.WsOrderFills, err error) {
			if err != nil {
				h.logger.Warn().Err(err).Str("entity", entityID).Msg("order fills callback error")
				return
			}
			for _, f := range fills.Fills {
				handler(rawFromFill(entityID, f))
			}
		},
	)
	if err != nil {
		return 0, fmt.Errorf("subscribe order fills for %s: %w", entityID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.Close()
		return 0, ErrClosed
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	return id, nil
}

// Unsubscribe tears down one subscription.
func (h *Hyperliquid) Unsubscribe(id SubID) error {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if !ok {
		return nil
	}
	sub.Close()
	return nil
}

// Close drops all subscriptions and the connection.
func (h *Hyperliquid) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[SubID]*hl.Subscription)
	ws := h.ws
	h.ws = nil
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	if ws != nil {
		if err := ws.Close(); err != nil {
			return fmt.Errorf("close websocket: %w", err)
		}
	}
	return nil
}

// rawFromFill reduces one exchange fill to the provider-agnostic shape.
// Price and size arrive as strings on the wire; anything unparseable
// becomes zero and the normalizer discards the event.
func rawFromFill(entityID string, f hl.WsOrderFill) RawEvent {
	px := decFromAny(f.Px)
	sz := decFromAny(f.Sz)

	ts := f.Time
	occurred := time.Time{}
	if ts > 0 {
		occurred = time.UnixMilli(ts).UTC()
	}

	return RawEvent{
		User:  entityID,
		Kind:  domain.KindFill,
		Asset: f.Coin,
		Side:  f.Side,
		Price: px,
		Size:  sz,
		Value: px.Mul(sz),
		Hash:  f.Hash,
		Tid:   f.Tid,
		Oid:   f.Oid,
		Time:  occurred,
	}
}

// decFromAny tolerates the scalar encodings the exchange uses for numeric
// fields (string on the wire, occasionally already-decoded floats).
func decFromAny(v any) decimal.Decimal {
	switch x := v.(type) {
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(x)
	case float32:
		return decimal.NewFromFloat32(x)
	case int64:
		return decimal.NewFromInt(x)
	case int:
		return decimal.NewFromInt(int64(x))
	default:
		return decimal.Zero
	}
}

var _ EventSource = (*Hyperliquid)(nil)
