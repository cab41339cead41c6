package ledger

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/latticepay/internal/units"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	usdt  = "0x3333333333333333333333333333333333333333"
)

func newTestLedger() *Ledger {
	return New(NewMemoryStore(), nil)
}

func TestTransfer_MovesBothSides(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, alice, usdt, big.NewInt(500), "seed"))

	require.NoError(t, l.Transfer(ctx, alice, bob, usdt, big.NewInt(200), "sess_1"))

	a, _ := l.BalanceOf(ctx, alice, usdt)
	b, _ := l.BalanceOf(ctx, bob, usdt)
	assert.Equal(t, "300", a.String())
	assert.Equal(t, "200", b.String())

	entries, err := l.Entries(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindDebit, entries[0].Kind)
	assert.Equal(t, bob, entries[0].Counterparty)
	assert.Equal(t, "sess_1", entries[0].Reference)
}

func TestTransfer_InsufficientLeavesBalancesUntouched(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, alice, usdt, big.NewInt(100), ""))

	err := l.Transfer(ctx, alice, bob, usdt, big.NewInt(101), "too_much")
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	a, _ := l.BalanceOf(ctx, alice, usdt)
	b, _ := l.BalanceOf(ctx, bob, usdt)
	assert.Equal(t, "100", a.String())
	assert.Equal(t, "0", b.String())
}

func TestTransfer_Validation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	assert.ErrorIs(t, l.Transfer(ctx, alice, bob, usdt, big.NewInt(0), ""), ErrInvalidAmount)
	assert.ErrorIs(t, l.Transfer(ctx, alice, bob, usdt, nil, ""), ErrInvalidAmount)
	assert.ErrorIs(t, l.Transfer(ctx, alice, strings.ToUpper(alice), usdt, big.NewInt(1), ""), ErrSameAccount)
}

func TestCredit_Overflow(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, alice, usdt, units.MaxAmount, ""))
	assert.ErrorIs(t, l.Credit(ctx, alice, usdt, big.NewInt(1), ""), ErrBalanceOverflow)
}

func TestAddressesAreCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, strings.ToUpper(alice), usdt, big.NewInt(7), ""))
	bal, _ := l.BalanceOf(ctx, alice, usdt)
	assert.Equal(t, "7", bal.String())
}

func TestTransfer_ConcurrentNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, alice, usdt, big.NewInt(50), ""))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Transfer(ctx, alice, bob, usdt, big.NewInt(1), "") == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, succeeded)
	a, _ := l.BalanceOf(ctx, alice, usdt)
	assert.Equal(t, "0", a.String())
}

func TestHandler_CreditAndBalances(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newTestLedger()
	h := NewHandler(l)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))

	body := `{"account":"` + alice + `","token":"` + usdt + `","amount":"1000000"}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/ledger/credit", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"balance":"1000000"`)
	assert.Regexp(t, `"reference":"credit:[0-9a-f-]{36}"`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/ledger/credit",
		strings.NewReader(`{"account":"`+alice+`","token":"`+usdt+`","amount":"1","reference":"faucet-7"}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"reference":"faucet-7"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/"+alice+"/balances", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), usdt)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/ledger/credit",
		strings.NewReader(`{"account":"`+alice+`","token":"`+usdt+`","amount":"1.5"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
