package chain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
)

// OrderFilledTopic is the event signature hash of the fill event emitted by
// every deployed CTF Exchange contract.
var OrderFilledTopic = crypto.Keccak256Hash(
	[]byte("OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"),
)

// collateral amounts and share amounts are both emitted in 1e6 base units.
var unitScale = decimal.New(1, 6)

// OutcomeResolver maps an outcome token id to YES/NO using market metadata.
// Without metadata the token cannot be classified and YES is reported.
type OutcomeResolver func(tokenID string) models.Outcome

// ParseOrderFilled decodes a raw OrderFilled log into a normalized trade.
// A structural decode failure (wrong topic/data layout) returns an error;
// semantically invalid trades are returned with ValidationErrors populated so
// the caller can record them instead of dropping malformed chain data.
func ParseOrderFilled(vLog types.Log, blockTime time.Time, outcomeFor OutcomeResolver) (models.DetectedTrade, error) {
	// topics: 0=event sig, 1=orderHash, 2=maker, 3=taker
	if len(vLog.Topics) < 4 {
		return models.DetectedTrade{}, fmt.Errorf("parse OrderFilled: unexpected topics len=%d", len(vLog.Topics))
	}
	if len(vLog.Data) < 32*5 {
		return models.DetectedTrade{}, fmt.Errorf("parse OrderFilled: unexpected data len=%d", len(vLog.Data))
	}

	readU256 := func(word int) *big.Int {
		start := word * 32
		return new(big.Int).SetBytes(vLog.Data[start : start+32])
	}

	makerAssetID := readU256(0)
	takerAssetID := readU256(1)
	makerAmount := readU256(2)
	takerAmount := readU256(3)
	fee := readU256(4)

	taker := common.BytesToAddress(vLog.Topics[3].Bytes())

	// The event names amounts by what each party paid: makerAssetId/amount is
	// what the maker gave (what the taker received), takerAssetId/amount is
	// what the taker gave. One side is collateral (assetId 0), the other the
	// outcome token. The taker's paid side determines BUY vs SELL.
	var (
		side       models.Side
		tokenID    *big.Int
		shares     *big.Int
		collateral *big.Int
	)
	switch {
	case takerAssetID.Sign() == 0:
		// Taker paid collateral: bought the maker's outcome token.
		side = models.SideBuy
		tokenID = makerAssetID
		shares = makerAmount
		collateral = takerAmount
	case makerAssetID.Sign() == 0:
		// Taker paid outcome tokens, received collateral: sold.
		side = models.SideSell
		tokenID = takerAssetID
		shares = takerAmount
		collateral = makerAmount
	default:
		// Token-for-token fills do not occur on these exchanges; classify by
		// bit length (ERC20 asset ids fit in 160 bits, token ids do not).
		if takerAssetID.BitLen() <= 160 {
			side = models.SideBuy
			tokenID = makerAssetID
			shares = makerAmount
			collateral = takerAmount
		} else {
			side = models.SideSell
			tokenID = takerAssetID
			shares = takerAmount
			collateral = makerAmount
		}
	}

	quantity := decimal.NewFromBigInt(shares, 0).Div(unitScale)
	value := decimal.NewFromBigInt(collateral, 0).Div(unitScale)

	price := decimal.Zero
	if quantity.IsPositive() {
		price = value.DivRound(quantity, 8)
	}

	outcome := models.OutcomeYes
	if outcomeFor != nil {
		outcome = outcomeFor(tokenID.String())
	}

	trade := models.DetectedTrade{
		TxHash:         vLog.TxHash.Hex(),
		LogIndex:       vLog.Index,
		BlockNumber:    vLog.BlockNumber,
		BlockHash:      vLog.BlockHash.Hex(),
		BlockTimestamp: blockTime,
		TraderAddress:  taker.Hex(),
		MarketID:       tokenID.String(),
		Side:           side,
		Outcome:        outcome,
		Quantity:       quantity,
		Price:          price,
		Notional:       quantity.Mul(price),
		Fee:            decimal.NewFromBigInt(fee, 0).Div(unitScale),
		OrderHash:      vLog.Topics[1].Hex(),
		DetectedAt:     time.Now().UTC(),
	}

	Validate(&trade)
	return trade, nil
}

// Validate applies the semantic validation rules and records every violation
// on the trade. IsValid is true only when all rules pass.
func Validate(t *models.DetectedTrade) {
	var errs []string

	if t.TxHash == "" {
		errs = append(errs, models.ErrCodeMissingTxHash)
	}
	if t.TraderAddress == "" {
		errs = append(errs, models.ErrCodeMissingTrader)
	} else if !validChecksum(t.TraderAddress) {
		errs = append(errs, models.ErrCodeBadChecksum)
	}
	if t.MarketID == "" {
		errs = append(errs, models.ErrCodeMissingMarket)
	}
	if t.Side != models.SideBuy && t.Side != models.SideSell {
		errs = append(errs, models.ErrCodeInvalidSide)
	}
	if t.Outcome != models.OutcomeYes && t.Outcome != models.OutcomeNo {
		errs = append(errs, models.ErrCodeInvalidOutcome)
	}
	if !t.Quantity.IsPositive() {
		errs = append(errs, models.ErrCodeInvalidQuantity)
	}
	if t.Price.IsNegative() || t.Price.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, models.ErrCodeInvalidPrice)
	}
	if t.Notional.IsNegative() {
		errs = append(errs, models.ErrCodeInvalidNotional)
	}

	t.ValidationErrors = errs
	t.IsValid = len(errs) == 0
}

// validChecksum verifies the address is well-formed and in its EIP-55
// checksummed representation.
func validChecksum(addr string) bool {
	if !common.IsHexAddress(addr) {
		return false
	}
	return common.HexToAddress(addr).Hex() == addr
}
