package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"whale-flow-alerts/internal/domain"
)

// watchlistFile is the on-disk shape of the watchlist.
type watchlistFile struct {
	Entities []watchlistEntry `yaml:"entities"`
}

type watchlistEntry struct {
	Address    string   `yaml:"address"`
	Label      string   `yaml:"label"`
	Active     *bool    `yaml:"active"`
	Thresholds struct {
		Single     *float64 `yaml:"single"`
		Cumulative *float64 `yaml:"cumulative"`
	} `yaml:"thresholds"`
}

// LoadWatchlist reads and validates the watched-entity file. Addresses are
// canonicalised to lowercase hex; duplicates and malformed addresses are
// rejected so misconfiguration fails at startup, not per-event.
func LoadWatchlist(path string) ([]domain.WatchedEntity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read watchlist: %w", err)
	}

	var file watchlistFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("parse watchlist: %w", err)
	}
	if len(file.Entities) == 0 {
		return nil, fmt.Errorf("watchlist %s contains no entities", path)
	}

	seen := make(map[string]struct{}, len(file.Entities))
	entities := make([]domain.WatchedEntity, 0, len(file.Entities))
	for i, entry := range file.Entities {
		if !common.IsHexAddress(entry.Address) {
			return nil, fmt.Errorf("watchlist entry %d: invalid address %q", i, entry.Address)
		}
		id := strings.ToLower(common.HexToAddress(entry.Address).Hex())
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("watchlist entry %d: duplicate address %s", i, id)
		}
		seen[id] = struct{}{}

		active := true
		if entry.Active != nil {
			active = *entry.Active
		}

		ent := domain.WatchedEntity{
			ID:     id,
			Label:  entry.Label,
			Active: active,
		}
		if entry.Thresholds.Single != nil {
			d := decimal.NewFromFloat(*entry.Thresholds.Single)
			ent.Thresholds.Single = &d
		}
		if entry.Thresholds.Cumulative != nil {
			d := decimal.NewFromFloat(*entry.Thresholds.Cumulative)
			ent.Thresholds.Cumulative = &d
		}
		entities = append(entities, ent)
	}

	return entities, nil
}
