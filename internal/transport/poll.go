package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/domain"
)

// PollOptions parameterise the polling strategy.
type PollOptions struct {
	InfoURL   string
	Interval  time.Duration
	Timeout   time.Duration
	UserAgent string
}

// Poller implements EventSource by querying the exchange info endpoint on
// an interval and diffing against a per-entity time cursor, so only events
// newer than the last poll are emitted. It covers both fills and ledger
// transfers, which the streaming strategy does not carry.
type Poller struct {
	opts   PollOptions
	client *http.Client
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[SubID]*pollSub
	nextID SubID
	closed bool
}

type pollSub struct {
	entityID string
	handler  Handler
	cancel   context.CancelFunc
	done     chan struct{}
	cursor   int64 // unix milli of the newest event seen
}

// NewPoller builds a polling source.
func NewPoller(opts PollOptions, logger zerolog.Logger) *Poller {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	return &Poller{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "hl_poller").Logger(),
		subs:   make(map[SubID]*pollSub),
	}
}

// Connect verifies the endpoint answers before any subscription starts.
func (p *Poller) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	if _, err := p.post(ctx, map[string]any{"type": "meta"}); err != nil {
		return fmt.Errorf("reach info endpoint: %w", err)
	}
	return nil
}

// Subscribe starts a poll loop for one address. The cursor starts at "now"
// so historical fills are not replayed into the live pipeline.
func (p *Poller) Subscribe(ctx context.Context, entityID string, handler Handler) (SubID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &pollSub{
		entityID: entityID,
		handler:  handler,
		cancel:   cancel,
		done:     make(chan struct{}),
		cursor:   time.Now().UnixMilli(),
	}
	p.nextID++
	id := p.nextID
	p.subs[id] = sub

	go p.loop(loopCtx, sub)
	return id, nil
}

// Unsubscribe stops one poll loop and waits for it to exit.
func (p *Poller) Unsubscribe(id SubID) error {
	p.mu.Lock()
	sub, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	sub.cancel()
	<-sub.done
	return nil
}

// Close stops every poll loop.
func (p *Poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subs := p.subs
	p.subs = make(map[SubID]*pollSub)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

func (p *Poller) loop(ctx context.Context, sub *pollSub) {
	defer close(sub.done)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx, sub)
		}
	}
}

// pollOnce fetches fills and ledger updates past the cursor and emits them
// in arrival order. Each request carries its own timeout via the client.
func (p *Poller) pollOnce(ctx context.Context, sub *pollSub) {
	newest := sub.cursor

	fills, err := p.fetchFills(ctx, sub.entityID)
	if err != nil {
		p.logger.Warn().Err(err).Str("entity", sub.entityID).Msg("poll fills failed")
	} else {
		for _, f := range fills {
			if f.Time <= sub.cursor {
				continue
			}
			if f.Time > newest {
				newest = f.Time
			}
			sub.handler(f.raw(sub.entityID))
		}
	}

	updates, err := p.fetchLedgerUpdates(ctx, sub.entityID, sub.cursor)
	if err != nil {
		p.logger.Warn().Err(err).Str("entity", sub.entityID).Msg("poll ledger updates failed")
	} else {
		for _, u := range updates {
			if u.Time <= sub.cursor {
				continue
			}
			if u.Time > newest {
				newest = u.Time
			}
			raw, ok := u.raw(sub.entityID)
			if ok {
				sub.handler(raw)
			}
		}
	}

	sub.cursor = newest
}

type restFill struct {
	Coin string `json:"coin"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Side string `json:"side"`
	Time int64  `json:"time"`
	Hash string `json:"hash"`
	Tid  int64  `json:"tid"`
	Oid  int64  `json:"oid"`
}

func (f restFill) raw(entityID string) RawEvent {
	px := decOrZero(f.Px)
	sz := decOrZero(f.Sz)
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
		Time:  time.UnixMilli(f.Time).UTC(),
	}
}

type restLedgerUpdate struct {
	Time  int64  `json:"time"`
	Hash  string `json:"hash"`
	Delta struct {
		Type string `json:"type"`
		USDC string `json:"usdc"`
	} `json:"delta"`
}

func (u restLedgerUpdate) raw(entityID string) (RawEvent, bool) {
	value := decOrZero(u.Delta.USDC)
	side := u.Delta.Type
	// ledger deltas are signed; the sign is authoritative when the type
	// string alone is ambiguous
	if value.Sign() < 0 {
		value = value.Neg()
		if !strings.EqualFold(side, "withdraw") {
			side = "out"
		}
	} else if strings.EqualFold(side, "accountClassTransfer") {
		side = "in"
	}
	if value.IsZero() {
		return RawEvent{}, false
	}
	return RawEvent{
		User:  entityID,
		Kind:  domain.KindTransfer,
		Asset: "USDC",
		Side:  side,
		Value: value,
		Hash:  u.Hash,
		Time:  time.UnixMilli(u.Time).UTC(),
	}, true
}

func (p *Poller) fetchFills(ctx context.Context, user string) ([]restFill, error) {
	body, err := p.post(ctx, map[string]any{"type": "userFills", "user": user})
	if err != nil {
		return nil, err
	}
	var fills []restFill
	if err := json.Unmarshal(body, &fills); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}
	return fills, nil
}

func (p *Poller) fetchLedgerUpdates(ctx context.Context, user string, sinceMilli int64) ([]restLedgerUpdate, error) {
	body, err := p.post(ctx, map[string]any{
		"type":      "userNonFundingLedgerUpdates",
		"user":      user,
		"startTime": sinceMilli,
	})
	if err != nil {
		return nil, err
	}
	var updates []restLedgerUpdate
	if err := json.Unmarshal(body, &updates); err != nil {
		return nil, fmt.Errorf("decode ledger updates: %w", err)
	}
	return updates, nil
}

func (p *Poller) post(ctx context.Context, payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.InfoURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: info endpoint returned %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("info endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payloadBytes)))
	}
	return payloadBytes, nil
}

func decOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ EventSource = (*Poller)(nil)
