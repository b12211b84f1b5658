package types

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseInstrument(t *testing.T) {
	tests := []struct {
		symbol     string
		class      AssetClass
		underlying string
		optType    OptionType
		strike     string
		expiry     string
		multiplier int64
	}{
		{"AAPL", AssetClassEquity, "", "", "", "", 1},
		{" msft ", AssetClassEquity, "", "", "", "", 1},
		{"BTC/USD", AssetClassCrypto, "", "", "", "", 1},
		{"AAPL240119C00150000", AssetClassOption, "AAPL", OptionTypeCall, "150", "2024-01-19", 100},
		{"SPY241220P00412500", AssetClassOption, "SPY", OptionTypePut, "412.5", "2024-12-20", 100},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			in, err := ParseInstrument(tt.symbol)
			if err != nil {
				t.Fatalf("ParseInstrument(%q) error: %v", tt.symbol, err)
			}
			if in.AssetClass != tt.class {
				t.Errorf("AssetClass = %q, want %q", in.AssetClass, tt.class)
			}
			if !in.Multiplier.Equal(decimal.NewFromInt(tt.multiplier)) {
				t.Errorf("Multiplier = %s, want %d", in.Multiplier, tt.multiplier)
			}
			if tt.class != AssetClassOption {
				return
			}
			if in.Underlying != tt.underlying {
				t.Errorf("Underlying = %q, want %q", in.Underlying, tt.underlying)
			}
			if in.OptionType != tt.optType {
				t.Errorf("OptionType = %q, want %q", in.OptionType, tt.optType)
			}
			if !in.Strike.Equal(decimal.RequireFromString(tt.strike)) {
				t.Errorf("Strike = %s, want %s", in.Strike, tt.strike)
			}
			if got := in.Expiration.Format(DateLayout); got != tt.expiry {
				t.Errorf("Expiration = %s, want %s", got, tt.expiry)
			}
		})
	}
}

func TestParseInstrumentRejectsMalformed(t *testing.T) {
	for _, sym := range []string{"", "   ", "BTC/", "/USD", "A/B/C"} {
		_, err := ParseInstrument(sym)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("ParseInstrument(%q) error = %v, want validation error", sym, err)
		}
	}
}

func TestApplySetsOptionMetadata(t *testing.T) {
	in, err := ParseInstrument("AAPL240119C00150000")
	if err != nil {
		t.Fatal(err)
	}
	var p Position
	in.Apply(&p)
	if p.Strike == nil || !p.Strike.Equal(decimal.NewFromInt(150)) {
		t.Errorf("Strike = %v, want 150", p.Strike)
	}
	if p.Expiration == nil {
		t.Fatal("Expiration not set")
	}
	if p.Underlying != "AAPL" || p.OptionType != OptionTypeCall {
		t.Errorf("got underlying %q type %q", p.Underlying, p.OptionType)
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")
	tests := []struct {
		name      string
		err       error
		kind      error
		transient bool
	}{
		{"validation", Validation(CodeInvalidQuantity, "quantity must be positive"), ErrValidation, false},
		{"business", Business(CodeInsufficientFunds, "need %s", "100"), ErrBusinessRule, false},
		{"risk", RiskRejection([]string{"a", "b"}), ErrBusinessRule, false},
		{"transient", Transient(cause, "quote fetch"), ErrTransient, true},
		{"not found", NotFound("order %s", "x"), ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.kind) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.kind)
			}
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
		})
	}

	wrapped := Transient(cause, "quote fetch")
	if !errors.Is(wrapped, cause) {
		t.Error("transient error does not unwrap to its cause")
	}
	if got := RejectionReason(RiskRejection([]string{"a", "b"})); got != "a; b" {
		t.Errorf("RejectionReason = %q, want %q", got, "a; b")
	}
}

func TestTradeDateUsesEastern(t *testing.T) {
	// 02:30 UTC on Jan 20 is still Jan 19 in New York.
	ts := mustParse(t, "2024-01-20T02:30:00Z")
	if got := TradeDate(ts); got != "2024-01-19" {
		t.Errorf("TradeDate = %s, want 2024-01-19", got)
	}
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}
