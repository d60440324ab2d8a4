package ledger

import (
	"fmt"

	"github.com/luxfi/perps/pkg/perp"
)

// QuoteBook holds the latest raw quote per oracle address. Mock oracles are
// written through the FeedMockOraclePrice operation; external feeds land
// here through the feed subscriber.
type QuoteBook struct {
	Quotes map[perp.Address]perp.OracleQuote `json:"quotes"`
}

// NewQuoteBook returns an empty book.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{Quotes: make(map[perp.Address]perp.OracleQuote)}
}

// Quote returns the stored quote for oracle.
func (b *QuoteBook) Quote(oracle perp.Address) (perp.OracleQuote, error) {
	q, ok := b.Quotes[oracle]
	if !ok {
		return perp.OracleQuote{}, fmt.Errorf("%w: %s", perp.ErrInvalidOracle, oracle)
	}
	return q, nil
}

// Set stores a quote.
func (b *QuoteBook) Set(oracle perp.Address, quote perp.OracleQuote) {
	b.Quotes[oracle] = quote
}
