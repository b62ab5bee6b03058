package chain

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
)

var (
	testTokenID = new(big.Int).Lsh(big.NewInt(1), 200) // realistic 256-bit token id
	testMaker   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTaker   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func word(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

func fillLog(makerAssetID, takerAssetID, makerAmount, takerAmount, fee *big.Int) types.Log {
	data := make([]byte, 0, 5*32)
	for _, v := range []*big.Int{makerAssetID, takerAssetID, makerAmount, takerAmount, fee} {
		data = append(data, word(v)...)
	}
	return types.Log{
		Topics: []common.Hash{
			OrderFilledTopic,
			common.HexToHash("0xaaaa"),
			common.BytesToHash(testMaker.Bytes()),
			common.BytesToHash(testTaker.Bytes()),
		},
		Data:        data,
		TxHash:      common.HexToHash("0xbeef"),
		Index:       3,
		BlockNumber: 100,
		BlockHash:   common.HexToHash("0xb10c"),
	}
}

func decEquals(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func TestParseOrderFilledBuy(t *testing.T) {
	// Taker paid 5 USDC collateral for 10 shares of the maker's token.
	vLog := fillLog(testTokenID, big.NewInt(0), big.NewInt(10_000_000), big.NewInt(5_000_000), big.NewInt(10_000))

	trade, err := ParseOrderFilled(vLog, time.Unix(1700000000, 0), nil)
	if err != nil {
		t.Fatalf("ParseOrderFilled: %v", err)
	}

	if trade.Side != models.SideBuy {
		t.Errorf("side = %s, want BUY", trade.Side)
	}
	if trade.MarketID != testTokenID.String() {
		t.Errorf("market = %s, want %s", trade.MarketID, testTokenID.String())
	}
	if trade.TraderAddress != testTaker.Hex() {
		t.Errorf("trader = %s, want %s", trade.TraderAddress, testTaker.Hex())
	}
	decEquals(t, "quantity", trade.Quantity, "10")
	decEquals(t, "price", trade.Price, "0.5")
	decEquals(t, "notional", trade.Notional, "5")
	decEquals(t, "fee", trade.Fee, "0.01")
	if !trade.IsValid {
		t.Errorf("trade invalid: %v", trade.ValidationErrors)
	}
	if trade.EventID() != trade.TxHash+":3" {
		t.Errorf("event id = %s", trade.EventID())
	}
}

func TestParseOrderFilledSell(t *testing.T) {
	// Taker sold 20 shares for 8 USDC.
	vLog := fillLog(big.NewInt(0), testTokenID, big.NewInt(8_000_000), big.NewInt(20_000_000), big.NewInt(0))

	trade, err := ParseOrderFilled(vLog, time.Unix(1700000000, 0), nil)
	if err != nil {
		t.Fatalf("ParseOrderFilled: %v", err)
	}

	if trade.Side != models.SideSell {
		t.Errorf("side = %s, want SELL", trade.Side)
	}
	decEquals(t, "quantity", trade.Quantity, "20")
	decEquals(t, "price", trade.Price, "0.4")
	if !trade.IsValid {
		t.Errorf("trade invalid: %v", trade.ValidationErrors)
	}
}

func TestParseOrderFilledOutcomeResolver(t *testing.T) {
	vLog := fillLog(testTokenID, big.NewInt(0), big.NewInt(1_000_000), big.NewInt(500_000), big.NewInt(0))

	trade, err := ParseOrderFilled(vLog, time.Now(), func(tokenID string) models.Outcome {
		return models.OutcomeNo
	})
	if err != nil {
		t.Fatalf("ParseOrderFilled: %v", err)
	}
	if trade.Outcome != models.OutcomeNo {
		t.Errorf("outcome = %s, want NO", trade.Outcome)
	}
}

func TestParseOrderFilledMalformed(t *testing.T) {
	vLog := fillLog(testTokenID, big.NewInt(0), big.NewInt(1), big.NewInt(1), big.NewInt(0))

	short := vLog
	short.Topics = short.Topics[:2]
	if _, err := ParseOrderFilled(short, time.Now(), nil); err == nil {
		t.Error("expected error for missing topics")
	}

	truncated := vLog
	truncated.Data = truncated.Data[:64]
	if _, err := ParseOrderFilled(truncated, time.Now(), nil); err == nil {
		t.Error("expected error for truncated data")
	}
}

func TestValidate(t *testing.T) {
	valid := func() models.DetectedTrade {
		return models.DetectedTrade{
			TxHash:        "0xbeef",
			TraderAddress: testTaker.Hex(),
			MarketID:      testTokenID.String(),
			Side:          models.SideBuy,
			Outcome:       models.OutcomeYes,
			Quantity:      decimal.NewFromInt(10),
			Price:         decimal.RequireFromString("0.5"),
			Notional:      decimal.NewFromInt(5),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*models.DetectedTrade)
		wantErr string
	}{
		{"missing tx hash", func(tr *models.DetectedTrade) { tr.TxHash = "" }, models.ErrCodeMissingTxHash},
		{"missing trader", func(tr *models.DetectedTrade) { tr.TraderAddress = "" }, models.ErrCodeMissingTrader},
		{"bad checksum", func(tr *models.DetectedTrade) { tr.TraderAddress = "0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae" }, models.ErrCodeBadChecksum},
		{"missing market", func(tr *models.DetectedTrade) { tr.MarketID = "" }, models.ErrCodeMissingMarket},
		{"bad side", func(tr *models.DetectedTrade) { tr.Side = "HOLD" }, models.ErrCodeInvalidSide},
		{"bad outcome", func(tr *models.DetectedTrade) { tr.Outcome = "MAYBE" }, models.ErrCodeInvalidOutcome},
		{"zero quantity", func(tr *models.DetectedTrade) { tr.Quantity = decimal.Zero }, models.ErrCodeInvalidQuantity},
		{"negative quantity", func(tr *models.DetectedTrade) { tr.Quantity = decimal.NewFromInt(-1) }, models.ErrCodeInvalidQuantity},
		{"price above one", func(tr *models.DetectedTrade) { tr.Price = decimal.RequireFromString("1.5") }, models.ErrCodeInvalidPrice},
		{"negative notional", func(tr *models.DetectedTrade) { tr.Notional = decimal.NewFromInt(-5) }, models.ErrCodeInvalidNotional},
	}

	base := valid()
	Validate(&base)
	if !base.IsValid {
		t.Fatalf("baseline trade should be valid, got %v", base.ValidationErrors)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trade := valid()
			tt.mutate(&trade)
			Validate(&trade)

			if trade.IsValid {
				t.Fatal("expected invalid trade")
			}
			found := false
			for _, code := range trade.ValidationErrors {
				if code == tt.wantErr {
					found = true
				}
			}
			if !found {
				t.Errorf("errors = %v, want %s", trade.ValidationErrors, tt.wantErr)
			}
		})
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	trade := models.DetectedTrade{Side: "HOLD", Outcome: "MAYBE"}
	Validate(&trade)

	if len(trade.ValidationErrors) < 5 {
		t.Errorf("expected every violation recorded, got %v", trade.ValidationErrors)
	}
}
