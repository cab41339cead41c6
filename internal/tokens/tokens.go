// Package tokens is the registry of payment tokens the paymaster accepts and
// the price normalizer that converts token amounts into settlement units.
//
// Prices are fixed-point: Price is the number of settlement smallest units
// one whole token is worth, multiplied by PriceScale. Normalization is
//
//	normalized = amount * Price / (10^Decimals * PriceScale)
//
// with truncating integer division. The settlement token always maps 1:1.
package tokens

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/mbd888/latticepay/internal/units"
)

// PriceScale is the fixed-point scale of Token.Price.
const PriceScale = 1_000_000

// MaxDecimals keeps 10^Decimals inside the uint256 range.
const MaxDecimals = 77

var (
	ErrUnsupportedToken  = errors.New("tokens: token not supported")
	ErrSettlementToken   = errors.New("tokens: settlement token cannot be modified or removed")
	ErrInvalidToken      = errors.New("tokens: invalid token definition")
	ErrNormalizeOverflow = errors.New("tokens: normalized amount exceeds 2^256-1")
)

// Token is a supported payment token.
type Token struct {
	Address    string    `json:"address"`
	Symbol     string    `json:"symbol"`
	Decimals   int       `json:"decimals"`
	Price      string    `json:"price"` // settlement units per whole token * PriceScale
	Settlement bool      `json:"settlement"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists the token registry.
type Store interface {
	Put(ctx context.Context, token *Token) error
	Get(ctx context.Context, address string) (*Token, error)
	Delete(ctx context.Context, address string) error
	List(ctx context.Context) ([]*Token, error)
}

// Convert applies the token's price ratio to amount. It does not special
// case the settlement token; Registry.Normalize does.
func Convert(t *Token, amount *big.Int) (*big.Int, error) {
	price, ok := units.ParseInt(t.Price)
	if !ok {
		return nil, ErrInvalidToken
	}
	num := new(big.Int).Mul(amount, price)
	den := new(big.Int).Mul(units.Pow10(t.Decimals), big.NewInt(PriceScale))
	out := num.Quo(num, den)
	if out.Cmp(units.MaxAmount) > 0 {
		return nil, ErrNormalizeOverflow
	}
	return out, nil
}

// validate checks the fields an administrator supplies.
func (t *Token) validate() error {
	if t.Decimals < 0 || t.Decimals > MaxDecimals {
		return ErrInvalidToken
	}
	price, ok := units.ParseInt(t.Price)
	if !ok || price.Sign() <= 0 {
		return ErrInvalidToken
	}
	return nil
}
