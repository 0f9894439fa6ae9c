package ledger

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Pool describes a trading pool the engine can swap against.
type Pool struct {
	ID        PublicKey `json:"id" yaml:"id"`
	BaseMint  PublicKey `json:"baseMint" yaml:"baseMint"`
	QuoteMint PublicKey `json:"quoteMint" yaml:"quoteMint"`
	// BaseDecimals is the token precision of the base mint.
	BaseDecimals uint8 `json:"baseDecimals" yaml:"baseDecimals"`
	// Freezable and Mintable report the authorities still set on the base mint.
	Freezable bool `json:"freezable" yaml:"freezable"`
	Mintable  bool `json:"mintable" yaml:"mintable"`
}

// IsPumpFun reports whether the pool's token was launched through pump.fun,
// whose mints carry a "pump" suffix.
func (p Pool) IsPumpFun() bool {
	return strings.HasSuffix(p.BaseMint.String(), "pump") || strings.Contains(p.ID.String(), "pump")
}

// Price is a pool price in SOL per base token together with the reserves it was derived from.
type Price struct {
	Value        decimal.Decimal `json:"value"`
	BaseReserve  uint64          `json:"baseReserve"`
	QuoteReserve uint64          `json:"quoteReserve"`
}

// PriceFromReserves computes the SOL price of one base token from raw reserves.
func PriceFromReserves(baseReserve, quoteReserve uint64, baseDecimals uint8) Price {
	p := Price{BaseReserve: baseReserve, QuoteReserve: quoteReserve}
	if baseReserve == 0 {
		return p
	}
	base := decimal.NewFromUint64(baseReserve).Shift(-int32(baseDecimals))
	quote := LamportsToSol(quoteReserve)
	p.Value = quote.Div(base)
	return p
}

// LiquiditySol returns the SOL side of the pool.
func (p Price) LiquiditySol() decimal.Decimal {
	return LamportsToSol(p.QuoteReserve)
}

// WrappedSOLMint is the token mint SOL is wrapped into for swaps.
var WrappedSOLMint = MustPublicKey("So11111111111111111111111111111111111111112")

// Supported reports whether the pool quotes a non-SOL base token in wrapped SOL.
func (p Pool) Supported() bool {
	return p.QuoteMint == WrappedSOLMint && p.BaseMint != WrappedSOLMint
}
