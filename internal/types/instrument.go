package types

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var occSymbol = regexp.MustCompile(`^([A-Z][A-Z.]{0,5})(\d{6})([CP])(\d{8})$`)

var (
	equityMultiplier = decimal.NewFromInt(1)
	optionMultiplier = decimal.NewFromInt(100)
	strikeScale      = decimal.NewFromInt(1000)
)

// Instrument is the class metadata derived from a symbol.
type Instrument struct {
	Symbol     string
	AssetClass AssetClass
	Underlying string
	OptionType OptionType
	Strike     decimal.Decimal
	Expiration time.Time
	Multiplier decimal.Decimal
}

// ParseInstrument classifies a symbol: OCC option contracts (AAPL240119C00150000),
// crypto pairs (BTC/USD), and everything else as an equity.
func ParseInstrument(symbol string) (Instrument, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return Instrument{}, Validation(CodeInvalidOrderShape, "symbol is required")
	}

	if strings.Contains(sym, "/") {
		parts := strings.Split(sym, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Instrument{}, Validation(CodeInvalidOrderShape, "malformed crypto pair %q", symbol)
		}
		return Instrument{Symbol: sym, AssetClass: AssetClassCrypto, Multiplier: equityMultiplier}, nil
	}

	if m := occSymbol.FindStringSubmatch(sym); m != nil {
		exp, err := time.ParseInLocation("060102", m[2], eastern)
		if err != nil {
			return Instrument{}, Validation(CodeInvalidOrderShape, "bad option expiry in %q", symbol)
		}
		raw, err := decimal.NewFromString(m[4])
		if err != nil {
			return Instrument{}, Validation(CodeInvalidOrderShape, "bad option strike in %q", symbol)
		}
		ot := OptionTypeCall
		if m[3] == "P" {
			ot = OptionTypePut
		}
		return Instrument{
			Symbol:     sym,
			AssetClass: AssetClassOption,
			Underlying: m[1],
			OptionType: ot,
			Strike:     raw.Div(strikeScale),
			Expiration: exp,
			Multiplier: optionMultiplier,
		}, nil
	}

	return Instrument{Symbol: sym, AssetClass: AssetClassEquity, Multiplier: equityMultiplier}, nil
}

// Apply copies the class metadata onto a new position.
func (in Instrument) Apply(p *Position) {
	p.AssetClass = in.AssetClass
	p.Multiplier = in.Multiplier
	if in.AssetClass != AssetClassOption {
		return
	}
	strike := in.Strike
	exp := in.Expiration
	p.Underlying = in.Underlying
	p.OptionType = in.OptionType
	p.Strike = &strike
	p.Expiration = &exp
}

// MultiplierFor returns the contract multiplier for an asset class.
func MultiplierFor(class AssetClass) decimal.Decimal {
	if class == AssetClassOption {
		return optionMultiplier
	}
	return equityMultiplier
}
