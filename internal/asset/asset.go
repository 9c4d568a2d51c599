package asset

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxScale is the number of fractional digits the ledger stores. Balances
// and amounts live in NUMERIC(38,18) columns; anything finer would be
// rounded by the database and break reconciliation.
const MaxScale = 18

// maxMagnitude is the first value NUMERIC(38,18) cannot hold: 38 digits
// of precision minus 18 fractional leaves 20 integer digits.
var maxMagnitude = decimal.New(1, 20)

var (
	ErrUnsupportedAsset = errors.New("unsupported asset")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// Asset is one of the closed set of tokens the platform settles.
type Asset string

const (
	USDT Asset = "USDT"
	USDC Asset = "USDC"
	SMTX Asset = "SMTX"
)

var supported = map[Asset]struct{}{
	USDT: {},
	USDC: {},
	SMTX: {},
}

// Parse normalizes a symbol and rejects anything outside the supported set.
func Parse(symbol string) (Asset, error) {
	a := Asset(strings.ToUpper(strings.TrimSpace(symbol)))
	if _, ok := supported[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAsset, symbol)
	}
	return a, nil
}

func (a Asset) String() string {
	return string(a)
}

// Supported reports whether a is one of the settleable tokens.
func Supported(a Asset) bool {
	_, ok := supported[a]
	return ok
}

// All returns the supported assets in a stable order.
func All() []Asset {
	return []Asset{USDT, USDC, SMTX}
}

// ParseAmount validates a decimal string as a strictly positive amount
// within the ledger's scale.
func ParseAmount(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, value)
	}
	return dec, ValidateAmount(dec)
}

// MustAmount is ParseAmount for fixtures and seed data; it panics on
// invalid input.
func MustAmount(value string) decimal.Decimal {
	dec, err := ParseAmount(value)
	if err != nil {
		panic(err)
	}
	return dec
}

// ValidateAmount enforces the positivity and scale rules on an amount the
// caller already holds as a decimal.
func ValidateAmount(dec decimal.Decimal) error {
	if dec.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if dec.Exponent() < -MaxScale {
		return fmt.Errorf("%w: scale exceeds %d digits", ErrInvalidAmount, MaxScale)
	}
	if dec.GreaterThanOrEqual(maxMagnitude) {
		return fmt.Errorf("%w: exceeds maximum magnitude", ErrInvalidAmount)
	}
	return nil
}
