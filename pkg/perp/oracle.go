package perp

import "fmt"

// OracleSource selects which price authority backs an instrument. The set is
// closed; resolution dispatches on the tag, callers never hard-code a source.
type OracleSource uint8

const (
	// OracleMock reads a test oracle account fed by FeedMockOraclePrice.
	OracleMock OracleSource = iota
	// OraclePyth reads an externally maintained (raw, expo) quote.
	OraclePyth
	// OracleStableCoin pins the price to exactly one USDC.
	OracleStableCoin
)

// String returns the source name.
func (s OracleSource) String() string {
	switch s {
	case OracleMock:
		return "mock"
	case OraclePyth:
		return "pyth"
	case OracleStableCoin:
		return "stablecoin"
	default:
		return fmt.Sprintf("oracle(%d)", uint8(s))
	}
}

// OracleQuote is a raw oracle reading: price scaled by 10^expo.
type OracleQuote struct {
	Raw  uint64
	Expo int32
}

// OracleBook resolves oracle account addresses to their current quotes. The
// runtime maintains it from external feeds; mock quotes are written through
// FeedMockOraclePrice.
type OracleBook interface {
	Quote(oracle Address) (OracleQuote, error)
}

// NormalizePrice converts a raw (price, expo) quote into USDC micro-units.
func NormalizePrice(raw uint64, expo int32) (uint64, error) {
	if raw == 0 {
		return 0, ErrInvalidPrice
	}
	if expo >= 0 {
		p, ok := mulCheck(raw, USDCPow)
		if !ok {
			return 0, ErrOverflow
		}
		p, ok = mulCheck(p, pow10(uint8(expo)))
		if !ok {
			return 0, ErrOverflow
		}
		return p, nil
	}
	p, ok := mulCheck(raw, USDCPow)
	if !ok {
		return 0, ErrOverflow
	}
	return p / pow10(uint8(-expo)), nil
}

// OraclePrice resolves the current price of an instrument in USDC micro-units
// according to its oracle source.
func OraclePrice(source OracleSource, oracle Address, book OracleBook) (uint64, error) {
	switch source {
	case OracleStableCoin:
		return USDCPow, nil
	case OracleMock:
		// Mock quotes are written already scaled to micro-units.
		q, err := quote(oracle, book)
		if err != nil {
			return 0, err
		}
		if q.Raw == 0 {
			return 0, ErrInvalidPrice
		}
		return q.Raw, nil
	case OraclePyth:
		q, err := quote(oracle, book)
		if err != nil {
			return 0, err
		}
		return NormalizePrice(q.Raw, q.Expo)
	default:
		return 0, ErrInvalidOracle
	}
}

func quote(oracle Address, book OracleBook) (OracleQuote, error) {
	if book == nil {
		return OracleQuote{}, ErrInvalidOracle
	}
	q, err := book.Quote(oracle)
	if err != nil {
		return OracleQuote{}, fmt.Errorf("%w: %s", ErrInvalidOracle, oracle)
	}
	return q, nil
}

// mulCheck multiplies with overflow detection.
func mulCheck(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/a != b {
		return 0, false
	}
	return p, true
}

// addCheck adds with overflow detection.
func addCheck(a, b uint64) (uint64, bool) {
	s := a + b
	if s < a {
		return 0, false
	}
	return s, true
}
