package server

import (
	"context"
	"errors"
	"math/big"

	"github.com/mbd888/latticepay/internal/gateway"
	"github.com/mbd888/latticepay/internal/paymaster"
	"github.com/mbd888/latticepay/internal/tokens"
)

// gatewayOracle adapts the gateway registry to paymaster.Gateways, mapping
// registry errors onto the engine's taxonomy.
type gatewayOracle struct {
	registry *gateway.Registry
}

var _ paymaster.Gateways = (*gatewayOracle)(nil)

func (g *gatewayOracle) IsAuthorized(ctx context.Context, addr string) (bool, error) {
	return g.registry.IsAuthorized(ctx, addr)
}

func (g *gatewayOracle) Allow(ctx context.Context, addr string) error {
	return gatewayError(g.registry.Allow(ctx, addr))
}

func (g *gatewayOracle) ConsumeQuota(ctx context.Context, addr string, amount *big.Int) error {
	return gatewayError(g.registry.ConsumeQuota(ctx, addr, amount))
}

func (g *gatewayOracle) ReleaseQuota(ctx context.Context, addr string, amount *big.Int) error {
	return gatewayError(g.registry.ReleaseQuota(ctx, addr, amount))
}

func gatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return paymaster.ErrGatewayQuotaExceeded
	case errors.Is(err, gateway.ErrRateLimited):
		return paymaster.ErrRateLimited
	case errors.Is(err, gateway.ErrNotFound):
		return paymaster.ErrGatewayNotAuthorized
	default:
		return err
	}
}

// tokenNormalizer adapts the token registry to paymaster.Normalizer.
type tokenNormalizer struct {
	registry *tokens.Registry
}

var _ paymaster.Normalizer = (*tokenNormalizer)(nil)

func (t *tokenNormalizer) IsSupported(ctx context.Context, token string) (bool, error) {
	return t.registry.IsSupported(ctx, token)
}

func (t *tokenNormalizer) Normalize(ctx context.Context, token string, amount *big.Int) (*big.Int, error) {
	v, err := t.registry.Normalize(ctx, token, amount)
	switch {
	case errors.Is(err, tokens.ErrUnsupportedToken):
		return nil, paymaster.ErrUnsupportedToken
	case errors.Is(err, tokens.ErrNormalizeOverflow):
		return nil, paymaster.ErrAmountOverflow
	}
	return v, err
}

func (t *tokenNormalizer) SettlementToken() string {
	return t.registry.SettlementToken()
}
