// Package adapters provides reference implementations of the spend engine
// collaborators over the token ledger, Redis and gorm
package adapters

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// RedisPriceProvider reads USD unit prices written by an external price
// feeder under keyFmt (e.g. "price:%s" formatted with the lowercase token
// address). Values are decimal strings.
type RedisPriceProvider struct {
	client redis.Cmdable
	keyFmt string
	maxAge time.Duration
	log    *zap.Logger

	mu    sync.RWMutex
	local map[common.Address]cachedPrice
}

type cachedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// NewRedisPriceProvider creates a provider. Prices are memoized locally for
// maxAge; zero disables memoization.
func NewRedisPriceProvider(client redis.Cmdable, keyFmt string, maxAge time.Duration, log *zap.Logger) *RedisPriceProvider {
	if keyFmt == "" {
		keyFmt = "price:%s"
	}
	return &RedisPriceProvider{
		client: client,
		keyFmt: keyFmt,
		maxAge: maxAge,
		log:    log,
		local:  make(map[common.Address]cachedPrice),
	}
}

func (p *RedisPriceProvider) key(token common.Address) string {
	return fmt.Sprintf(p.keyFmt, strings.ToLower(token.Hex()))
}

func (p *RedisPriceProvider) Price(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	if p.maxAge > 0 {
		p.mu.RLock()
		c, ok := p.local[token]
		p.mu.RUnlock()
		if ok && time.Since(c.at) < p.maxAge {
			return c.price, nil
		}
	}

	raw, err := p.client.Get(ctx, p.key(token)).Result()
	if err != nil {
		if err == redis.Nil {
			return decimal.Zero, interfaces.ErrPriceNotAvailable.Explain("%s", token.Hex())
		}
		p.log.Error("failed to read price", zap.String("token", token.Hex()), zap.Error(err))
		return decimal.Zero, fmt.Errorf("failed to read price: %w", err)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, interfaces.ErrPriceNotAvailable.Explain("%s has malformed price %q", token.Hex(), raw)
	}

	if p.maxAge > 0 {
		p.mu.Lock()
		p.local[token] = cachedPrice{price: price, at: time.Now()}
		p.mu.Unlock()
	}
	return price, nil
}

// SetPrice writes a price. It is used by operators and tests; production
// prices come from the feeder.
func (p *RedisPriceProvider) SetPrice(ctx context.Context, token common.Address, price decimal.Decimal) error {
	if err := p.client.Set(ctx, p.key(token), price.String(), 0).Err(); err != nil {
		return fmt.Errorf("failed to write price: %w", err)
	}
	p.mu.Lock()
	delete(p.local, token)
	p.mu.Unlock()
	return nil
}

// StaticPriceProvider serves fixed prices.
type StaticPriceProvider struct {
	mu     sync.RWMutex
	prices map[common.Address]decimal.Decimal
}

func NewStaticPriceProvider(prices map[common.Address]decimal.Decimal) *StaticPriceProvider {
	p := &StaticPriceProvider{prices: make(map[common.Address]decimal.Decimal, len(prices))}
	for k, v := range prices {
		p.prices[k] = v
	}
	return p
}

func (p *StaticPriceProvider) Set(token common.Address, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[token] = price
}

func (p *StaticPriceProvider) Price(_ context.Context, token common.Address) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[token]
	if !ok || !price.IsPositive() {
		return decimal.Zero, interfaces.ErrPriceNotAvailable.Explain("%s", token.Hex())
	}
	return price, nil
}
