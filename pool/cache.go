package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	coinPoolCacheFile = "latest.json"
	oiTopCacheFile    = "oi_top_latest.json"

	// Beyond this age a cache hit is still served, but with a warning.
	staleCacheAge = 24 * time.Hour
)

type coinPoolCache struct {
	FetchedAt  string     `json:"fetched_at"`
	SourceType string     `json:"source_type"`
	Coins      []CoinInfo `json:"coins"`
}

type oiTopCache struct {
	FetchedAt  string       `json:"fetched_at"`
	SourceType string       `json:"source_type"`
	Positions  []OIPosition `json:"positions"`
}

func (p *Pool) saveCoinPoolCache(coins []CoinInfo) {
	cache := coinPoolCache{
		FetchedAt:  time.Now().Format(time.RFC3339),
		SourceType: "api",
		Coins:      coins,
	}
	if err := p.writeCache(coinPoolCacheFile, cache); err != nil {
		p.log.Warn().Err(err).Msg("failed to write coin pool cache")
	}
}

func (p *Pool) loadCoinPoolCache() ([]CoinInfo, error) {
	data, err := os.ReadFile(filepath.Join(p.cacheDir, coinPoolCacheFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read coin pool cache: %w", err)
	}

	var cache coinPoolCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to parse coin pool cache: %w", err)
	}
	if len(cache.Coins) == 0 {
		return nil, fmt.Errorf("coin pool cache is empty")
	}

	p.warnIfStale(cache.FetchedAt, "coin pool")
	return cache.Coins, nil
}

func (p *Pool) saveOITopCache(positions []OIPosition) {
	cache := oiTopCache{
		FetchedAt:  time.Now().Format(time.RFC3339),
		SourceType: "api",
		Positions:  positions,
	}
	if err := p.writeCache(oiTopCacheFile, cache); err != nil {
		p.log.Warn().Err(err).Msg("failed to write OI top cache")
	}
}

func (p *Pool) loadOITopCache() ([]OIPosition, error) {
	data, err := os.ReadFile(filepath.Join(p.cacheDir, oiTopCacheFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read OI top cache: %w", err)
	}

	var cache oiTopCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to parse OI top cache: %w", err)
	}

	p.warnIfStale(cache.FetchedAt, "OI top")
	return cache.Positions, nil
}

func (p *Pool) writeCache(name string, v any) error {
	if err := os.MkdirAll(p.cacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p.cacheDir, name), data, 0644); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

func (p *Pool) warnIfStale(fetchedAt, feed string) {
	if fetchedAt == "" {
		return
	}
	t, err := time.Parse(time.RFC3339, fetchedAt)
	if err != nil {
		return
	}
	age := time.Since(t)
	if age > staleCacheAge {
		p.log.Warn().Str("feed", feed).Dur("age", age).Msg("cache is older than 24h, using anyway")
	} else {
		p.log.Info().Str("feed", feed).Dur("age", age).Msg("cache age")
	}
}
