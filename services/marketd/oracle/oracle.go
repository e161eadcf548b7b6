package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"gigvault/observability"
	"gigvault/services/marketd/settlement"
)

// FallbackUSDPerNative is the documented degraded rate: one native unit is worth $100
// whenever the live price source cannot be reached.
const FallbackUSDPerNative = 100

// Config captures the oracle knobs.
type Config struct {
	NativeAsset string
	// FallbackUSDPerNative overrides the documented default when positive.
	FallbackUSDPerNative *big.Rat
	CacheTTL             time.Duration
	// Tokens lists the stable token per ledger, used to answer token balance probes.
	Tokens map[settlement.LedgerID]settlement.StableToken
}

// Conversion is the result of a USD to native-unit conversion.
type Conversion struct {
	Native       *big.Rat
	USDPerNative *big.Rat
	Source       string
	Fallback     bool
}

// Oracle converts USD amounts into rail units and probes balances.
type Oracle struct {
	source   PriceSource
	cache    Cache
	cfg      Config
	fallback *big.Rat
	primary  *settlement.PrimaryLedger
	evm      *settlement.EVMLedger
	logger   *slog.Logger
}

// Option customises the oracle.
type Option func(*Oracle)

// WithCache overrides the in-memory cache.
func WithCache(cache Cache) Option {
	return func(o *Oracle) {
		if cache != nil {
			o.cache = cache
		}
	}
}

// WithLedgers wires balance probing.
func WithLedgers(primary *settlement.PrimaryLedger, evm *settlement.EVMLedger) Option {
	return func(o *Oracle) {
		o.primary = primary
		o.evm = evm
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New constructs an oracle. source may be nil, in which case only the fallback rate is used.
func New(source PriceSource, cfg Config, opts ...Option) *Oracle {
	if strings.TrimSpace(cfg.NativeAsset) == "" {
		cfg.NativeAsset = "SOL"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	fallback := big.NewRat(FallbackUSDPerNative, 1)
	if cfg.FallbackUSDPerNative != nil && cfg.FallbackUSDPerNative.Sign() > 0 {
		fallback = new(big.Rat).Set(cfg.FallbackUSDPerNative)
	}
	o := &Oracle{
		source:   source,
		cache:    NewMemoryCache(),
		cfg:      cfg,
		fallback: fallback,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// USDPerNative returns the live rate, the cached rate, or the fallback, in that order.
func (o *Oracle) USDPerNative(ctx context.Context) (*big.Rat, string, bool) {
	key := strings.ToUpper(o.cfg.NativeAsset) + ":USD"
	if cached, ok, err := o.cache.Get(ctx, key); err == nil && ok {
		if rate, ok := new(big.Rat).SetString(cached); ok && rate.Sign() > 0 {
			return rate, "cache", false
		}
	} else if err != nil {
		o.logger.Warn("price cache read failed", slog.String("error", err.Error()))
	}
	if o.source != nil {
		rate, err := o.source.USDPrice(ctx, o.cfg.NativeAsset)
		if err == nil {
			if err := o.cache.Set(ctx, key, rate.RatString(), o.cfg.CacheTTL); err != nil {
				o.logger.Warn("price cache write failed", slog.String("error", err.Error()))
			}
			return rate, o.source.Name(), false
		}
		o.logger.Warn("price source unavailable, using fallback rate",
			slog.String("source", o.source.Name()),
			slog.String("error", err.Error()),
			slog.String("fallback", o.fallback.FloatString(2)))
	}
	observability.Marketd().RecordOracleFallback()
	return new(big.Rat).Set(o.fallback), "fallback", true
}

// USDToNative converts usd into native units, quantised to decimals.
func (o *Oracle) USDToNative(ctx context.Context, usd *big.Rat, decimals uint8) (Conversion, error) {
	if usd == nil || usd.Sign() < 0 {
		return Conversion{}, fmt.Errorf("oracle: usd amount must be non-negative")
	}
	rate, source, fallback := o.USDPerNative(ctx)
	native := new(big.Rat).Quo(usd, rate)
	units, err := settlement.ToMinorUnits(native, decimals)
	if err != nil {
		return Conversion{}, err
	}
	return Conversion{
		Native:       settlement.FromMinorUnits(units, decimals),
		USDPerNative: rate,
		Source:       source,
		Fallback:     fallback,
	}, nil
}

// Balance implements settlement.BalanceProber. Missing accounts are reported as
// {0, Exists: false}; only transport failures are errors.
func (o *Oracle) Balance(ctx context.Context, ledger settlement.LedgerID, owner, mint string) (settlement.Balance, error) {
	switch ledger {
	case settlement.LedgerPrimary:
		if o.primary == nil {
			return settlement.Balance{}, fmt.Errorf("oracle: primary ledger not configured")
		}
		if mint == "" {
			return o.primary.NativeBalance(ctx, owner)
		}
		return o.primary.TokenBalance(ctx, owner, mint, o.cfg.Tokens[ledger].Decimals)
	case settlement.LedgerEVM:
		if o.evm == nil {
			return settlement.Balance{}, fmt.Errorf("oracle: evm ledger not configured")
		}
		if mint == "" {
			return o.evm.NativeBalance(ctx, owner)
		}
		return o.evm.TokenBalance(ctx, owner, mint, o.cfg.Tokens[ledger].Decimals)
	default:
		return settlement.Balance{}, fmt.Errorf("oracle: unsupported ledger %q", ledger)
	}
}
