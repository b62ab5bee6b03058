// Package risk sizes and gates copy orders. Evaluate is pure: it reads its
// inputs and returns a decision, it never touches storage or the network, so
// the same inputs always produce the same decision.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
)

// RejectReason identifies why a copy order was not approved.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectConfigInactive RejectReason = "config_inactive"
	RejectMarketFiltered RejectReason = "market_filtered"
	RejectBelowMinSize   RejectReason = "below_min_size"
	RejectSizeBounds     RejectReason = "size_bounds"
	RejectSpendLimit     RejectReason = "spend_limit"
	RejectExposureLimit  RejectReason = "exposure_limit"
	RejectSlippage       RejectReason = "slippage_exceeded"
)

// Input carries everything Evaluate needs. CurrentPrice is the live best
// price on the follower's side of the book; OpenExposure is the credential's
// total net open exposure across all markets.
type Input struct {
	Trade        models.DetectedTrade
	Config       models.CopyConfiguration
	Spend        models.SpendState
	OpenExposure decimal.Decimal
	CurrentPrice decimal.Decimal
}

// Decision is the outcome of one evaluation. When Approved is false,
// RejectReason and Detail say why; Quantity and Notional are the sized order
// otherwise. SpendDelta is the collateral the order will consume (zero for
// sells).
type Decision struct {
	Approved     bool
	RejectReason RejectReason
	Detail       string

	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	Notional   decimal.Decimal
	SpendDelta decimal.Decimal
}

func reject(reason RejectReason, detail string) Decision {
	return Decision{RejectReason: reason, Detail: detail}
}

// Evaluate runs the checks in a fixed order: configuration status, market
// filter, size clamp, spend limit, exposure limit, slippage. The first
// failing check decides the outcome, so a trade that violates several limits
// always reports the same reason.
func Evaluate(in Input) Decision {
	cfg := in.Config
	trade := in.Trade

	if cfg.Status != models.CopyActive {
		return reject(RejectConfigInactive, fmt.Sprintf("configuration is %s", cfg.Status))
	}

	if !marketAllowed(cfg, trade.MarketID) {
		return reject(RejectMarketFiltered, fmt.Sprintf("market %s filtered by configuration", trade.MarketID))
	}

	// Size the order proportionally, clamped into [MinTradeSize,
	// MaxTradeSize]. A raw size below the floor is raised to the floor; the
	// bounds only conflict when the floor itself is above the ceiling.
	if cfg.MaxTradeSize.IsPositive() && cfg.MinTradeSize.GreaterThan(cfg.MaxTradeSize) {
		return reject(RejectSizeBounds,
			fmt.Sprintf("minimum trade size %s exceeds maximum %s", cfg.MinTradeSize, cfg.MaxTradeSize))
	}
	notional := trade.Notional.Mul(cfg.Proportionality)
	if notional.LessThan(cfg.MinTradeSize) {
		notional = cfg.MinTradeSize
	}
	if cfg.MaxTradeSize.IsPositive() && notional.GreaterThan(cfg.MaxTradeSize) {
		notional = cfg.MaxTradeSize
	}
	if !notional.IsPositive() {
		return reject(RejectBelowMinSize, "sized notional is zero")
	}

	spendDelta := decimal.Zero
	if trade.Side == models.SideBuy {
		// Buys consume collateral. An order that does not fit in the
		// remaining window is rejected whole, never downsized into a partial
		// copy.
		remaining := in.Spend.Remaining()
		if notional.GreaterThan(remaining) {
			return reject(RejectSpendLimit,
				fmt.Sprintf("notional %s exceeds spend headroom %s (%s of %s spent)",
					notional, remaining, in.Spend.WindowSpent, in.Spend.DailyLimit))
		}

		// Exposure cap applies to buys only; sells unwind exposure.
		if cfg.MaxExposure.IsPositive() {
			headroom := cfg.MaxExposure.Sub(in.OpenExposure)
			if notional.GreaterThan(headroom) {
				return reject(RejectExposureLimit,
					fmt.Sprintf("notional %s exceeds exposure headroom %s (open %s, limit %s)",
						notional, headroom, in.OpenExposure, cfg.MaxExposure))
			}
		}
		spendDelta = notional
	}

	limitPrice, ok := slippageLimit(trade, cfg, in.CurrentPrice)
	if !ok {
		return Decision{
			RejectReason: RejectSlippage,
			Detail: fmt.Sprintf("current price %s outside slippage bound of detected price %s",
				in.CurrentPrice, trade.Price),
		}
	}

	execPrice := in.CurrentPrice
	if !execPrice.IsPositive() {
		execPrice = trade.Price
	}
	quantity := decimal.Zero
	if execPrice.IsPositive() {
		quantity = notional.DivRound(execPrice, 6)
	}
	if !quantity.IsPositive() {
		return reject(RejectBelowMinSize, "sized quantity is zero")
	}

	return Decision{
		Approved:   true,
		Quantity:   quantity,
		LimitPrice: limitPrice,
		Notional:   notional,
		SpendDelta: spendDelta,
	}
}

// marketAllowed applies the allow list first (when present, only listed
// markets pass), then the exclude list.
func marketAllowed(cfg models.CopyConfiguration, marketID string) bool {
	if len(cfg.AllowedMarkets) > 0 {
		found := false
		for _, m := range cfg.AllowedMarkets {
			if m == marketID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, m := range cfg.ExcludedMarkets {
		if m == marketID {
			return false
		}
	}
	return true
}

// slippageLimit returns the limit price for the order and whether the current
// market price is inside the allowed band. The allowance is the configured
// percentage when set, otherwise a price-dependent default: cheap outcome
// shares move violently in relative terms, so they get a wider band.
func slippageLimit(trade models.DetectedTrade, cfg models.CopyConfiguration, currentPrice decimal.Decimal) (decimal.Decimal, bool) {
	allowance := cfg.MaxSlippagePct
	if !allowance.IsPositive() {
		allowance = defaultSlippageFor(trade.Price)
	}

	one := decimal.NewFromInt(1)
	if trade.Side == models.SideBuy {
		maxPrice := trade.Price.Mul(one.Add(allowance))
		if maxPrice.GreaterThan(one) {
			maxPrice = one
		}
		if currentPrice.IsPositive() && currentPrice.GreaterThan(maxPrice) {
			return decimal.Zero, false
		}
		return maxPrice, true
	}

	minPrice := trade.Price.Mul(one.Sub(allowance))
	if minPrice.IsNegative() {
		minPrice = decimal.Zero
	}
	if currentPrice.IsPositive() && currentPrice.LessThan(minPrice) {
		return decimal.Zero, false
	}
	return minPrice, true
}

// defaultSlippageFor mirrors how outcome-share books behave at each price
// level: a 0.05 share routinely gaps 50% between fills.
func defaultSlippageFor(price decimal.Decimal) decimal.Decimal {
	switch {
	case price.LessThan(decimal.NewFromFloat(0.10)):
		return decimal.NewFromFloat(2.00)
	case price.LessThan(decimal.NewFromFloat(0.20)):
		return decimal.NewFromFloat(0.80)
	case price.LessThan(decimal.NewFromFloat(0.30)):
		return decimal.NewFromFloat(0.50)
	case price.LessThan(decimal.NewFromFloat(0.40)):
		return decimal.NewFromFloat(0.30)
	default:
		return decimal.NewFromFloat(0.20)
	}
}
