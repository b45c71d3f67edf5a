package transport

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"whale-flow-alerts/internal/domain"
)

// Normalizer is a pure mapping from raw provider payloads to canonical
// events. It drops events for unwatched assets and events whose carried
// identity disagrees with the subscribed entity, which protects the
// pipeline from misrouted messages.
type Normalizer struct {
	watchedAssets map[string]struct{} // empty means all assets pass
	logger        zerolog.Logger
}

// NewNormalizer builds a normalizer; assets are matched case-insensitively.
func NewNormalizer(watchedAssets []string, logger zerolog.Logger) *Normalizer {
	assets := make(map[string]struct{}, len(watchedAssets))
	for _, a := range watchedAssets {
		assets[strings.ToUpper(strings.TrimSpace(a))] = struct{}{}
	}
	return &Normalizer{
		watchedAssets: assets,
		logger:        logger.With().Str("component", "normalizer").Logger(),
	}
}

// Normalize maps one raw event attributed to subscribedEntity. The second
// return is false when the event must be dropped.
func (n *Normalizer) Normalize(subscribedEntity string, raw RawEvent) (domain.CanonicalEvent, bool) {
	if raw.User != "" && !strings.EqualFold(raw.User, subscribedEntity) {
		n.logger.Warn().
			Str("subscribed", subscribedEntity).
			Str("carried", raw.User).
			Msg("dropping misattributed event")
		return domain.CanonicalEvent{}, false
	}

	asset := strings.ToUpper(strings.TrimSpace(raw.Asset))
	if raw.Kind == domain.KindFill {
		if asset == "" {
			n.logger.Warn().Str("entity", subscribedEntity).Msg("dropping fill without asset")
			return domain.CanonicalEvent{}, false
		}
		if len(n.watchedAssets) > 0 {
			if _, ok := n.watchedAssets[asset]; !ok {
				return domain.CanonicalEvent{}, false
			}
		}
	}

	dir, ok := direction(raw)
	if !ok {
		n.logger.Warn().
			Str("entity", subscribedEntity).
			Str("side", raw.Side).
			Str("kind", string(raw.Kind)).
			Msg("dropping event with unknown direction")
		return domain.CanonicalEvent{}, false
	}

	amount := raw.Value
	if raw.Kind == domain.KindFill && amount.IsZero() {
		amount = raw.Price.Mul(raw.Size)
	}
	if amount.Sign() <= 0 {
		return domain.CanonicalEvent{}, false
	}

	occurred := raw.Time
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	ev := domain.CanonicalEvent{
		EntityID:   strings.ToLower(subscribedEntity),
		Kind:       raw.Kind,
		Direction:  dir,
		Asset:      asset,
		Amount:     amount,
		Size:       raw.Size,
		Price:      raw.Price,
		SourceID:   domain.SourceID(raw.Hash, raw.Tid, raw.Oid, asset, occurred.UnixMilli()),
		OrderID:    raw.Oid,
		OccurredAt: occurred.UTC(),
		ObservedAt: time.Now().UTC(),
	}
	return ev, true
}

func direction(raw RawEvent) (domain.Direction, bool) {
	side := strings.ToUpper(strings.TrimSpace(raw.Side))
	switch raw.Kind {
	case domain.KindFill:
		switch side {
		case "B", "BUY", "BID":
			return domain.DirBuy, true
		case "A", "S", "SELL", "ASK":
			return domain.DirSell, true
		}
	case domain.KindTransfer:
		switch side {
		case "DEPOSIT", "IN", "RECEIVE", "ACCOUNTCLASSTRANSFER":
			return domain.DirIn, true
		case "WITHDRAW", "OUT", "SEND":
			return domain.DirOut, true
		}
	}
	return "", false
}
