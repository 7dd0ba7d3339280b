package split

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrRateRange = errors.New("fee rate must be in [0, 1)")
	ErrRateSum   = errors.New("combined fee rates must stay below 1")
)

// Shares is one payment divided between the three parties. The fields always
// sum to Total exactly; rounding never mints or burns a unit.
type Shares struct {
	Total      uint64 `json:"total"`
	Platform   uint64 `json:"platform"`
	Affiliate  uint64 `json:"affiliate"`
	Merchant   uint64 `json:"merchant"`
	Attributed bool   `json:"attributed"`
}

// ParseRate parses a decimal fee rate like "0.05" into an exact rational.
// Rates are kept as strings end to end; converting through float64 would
// round 0.15 down and corrupt the floor arithmetic.
func ParseRate(s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid fee rate %q", s)
	}
	if err := checkRate(r); err != nil {
		return nil, fmt.Errorf("fee rate %q: %w", s, err)
	}
	return r, nil
}

func checkRate(r *big.Rat) error {
	if r.Sign() < 0 || r.Cmp(big.NewRat(1, 1)) >= 0 {
		return ErrRateRange
	}
	return nil
}

// Compute splits total between platform, affiliate and merchant. Each fee is
// the floor of total times its rate; the merchant takes the remainder, so the
// conservation property holds for every input. When no affiliate is
// attributed the affiliate share is zero and folds into the merchant.
func Compute(total uint64, platformRate, affiliateRate *big.Rat, attributed bool) (*Shares, error) {
	if err := checkRate(platformRate); err != nil {
		return nil, fmt.Errorf("platform rate: %w", err)
	}
	if err := checkRate(affiliateRate); err != nil {
		return nil, fmt.Errorf("affiliate rate: %w", err)
	}
	sum := new(big.Rat).Add(platformRate, affiliateRate)
	if sum.Cmp(big.NewRat(1, 1)) >= 0 {
		return nil, ErrRateSum
	}

	s := &Shares{Total: total, Attributed: attributed}
	s.Platform = floorShare(total, platformRate)
	if attributed {
		s.Affiliate = floorShare(total, affiliateRate)
	}
	s.Merchant = total - s.Platform - s.Affiliate
	return s, nil
}

// floorShare returns floor(total * rate) computed in exact integers.
func floorShare(total uint64, rate *big.Rat) uint64 {
	n := new(big.Int).SetUint64(total)
	n.Mul(n, rate.Num())
	n.Quo(n, rate.Denom())
	return n.Uint64()
}
