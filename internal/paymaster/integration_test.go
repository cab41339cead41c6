//go:build integration

package paymaster_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/latticepay/internal/ledger"
	"github.com/mbd888/latticepay/internal/paymaster"
	"github.com/mbd888/latticepay/internal/testutil"
	"github.com/mbd888/latticepay/internal/tokens"
)

const (
	itGateway = "0x00000000000000000000000000000000000000a1"
	itUser    = "0x00000000000000000000000000000000000000b1"
	itUSDT    = "0x00000000000000000000000000000000000000c1"
	itCustody = "0x000000000000000000000000000000000000c0de"
)

type openGateways struct{}

func (openGateways) IsAuthorized(context.Context, string) (bool, error)   { return true, nil }
func (openGateways) Allow(context.Context, string) error                  { return nil }
func (openGateways) ConsumeQuota(context.Context, string, *big.Int) error { return nil }
func (openGateways) ReleaseQuota(context.Context, string, *big.Int) error { return nil }

type everyone struct{}

func (everyone) IsEntitled(context.Context, string) (bool, error) { return true, nil }

func TestIntegration_SessionLifecycleOnPostgres(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	l := ledger.New(ledger.NewPostgresStore(db), nil)
	reg := tokens.NewRegistry(tokens.NewPostgresStore(db), itUSDT, "USDT", 6, nil)
	cfg := paymaster.DefaultConfig()
	cfg.CustodyAccount = itCustody
	engine := paymaster.NewEngine(paymaster.NewPostgresStore(db), reg, everyone{}, openGateways{}, l, cfg, nil)

	require.NoError(t, engine.InitTank(ctx, paymaster.TankParams{
		Balance:          big.NewInt(10_000),
		MinReserve:       big.NewInt(1_000),
		DailyLimit:       big.NewInt(5_000),
		MaxGasPerSession: big.NewInt(2_000),
	}))
	require.NoError(t, l.Credit(ctx, itUser, itUSDT, big.NewInt(500_000_000), "seed"))

	s, err := engine.StartSession(ctx, itGateway, itUser, itUSDT, big.NewInt(100_000_000))
	require.NoError(t, err)

	_, err = engine.StartSession(ctx, itGateway, itUser, itUSDT, big.NewInt(1))
	assert.ErrorIs(t, err, paymaster.ErrSessionAlreadyActive)

	_, err = engine.RecordGasUsage(ctx, itGateway, s.ID, big.NewInt(700))
	require.NoError(t, err)

	st, err := engine.EndSession(ctx, itGateway, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000000", st.Fee)
	assert.Equal(t, "700", st.GasUsed)

	tank, err := engine.GetGasTankStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9300", tank.CurrentBalance)
	assert.Equal(t, "700", tank.DailyUsed)

	m, err := engine.GetProfitMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000000", m.Revenue)
	assert.Equal(t, int64(1), m.SessionCount)

	bal, err := l.BalanceOf(ctx, itCustody, itUSDT)
	require.NoError(t, err)
	assert.Equal(t, "100000000", bal.String())

	events, err := engine.ListEvents(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	// the user may open a new session once the old one is settled
	_, err = engine.StartSession(ctx, itGateway, itUser, itUSDT, big.NewInt(1_000_000))
	require.NoError(t, err)
}
