package web_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/goquant/vaultmirror/internal/applier"
	"github.com/goquant/vaultmirror/internal/chain"
	"github.com/goquant/vaultmirror/internal/domain"
	"github.com/goquant/vaultmirror/internal/events"
	"github.com/goquant/vaultmirror/internal/reconcile"
	"github.com/goquant/vaultmirror/internal/service"
	"github.com/goquant/vaultmirror/internal/storage/ledger"
	"github.com/goquant/vaultmirror/internal/storage/snapshots"
	"github.com/goquant/vaultmirror/internal/web"
)

type testAPI struct {
	handler http.Handler
	store   *ledger.Store
	facts   chan domain.OperationFact
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	snaps, err := snapshots.NewWALStore(filepath.Join(t.TempDir(), "wal"))
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })

	bus := events.NewBroadcaster(16)
	app := applier.New(store, bus, nil, zap.NewNop())
	rec := reconcile.New(store, snaps, chain.NewSimulator(), bus, nil,
		reconcile.DefaultConfig(), zap.NewNop())
	svc := service.New(store, app, rec, nil, bus, false, zap.NewNop())

	facts := make(chan domain.OperationFact, 8)
	server := web.NewServer(":0", svc, snaps, facts, zap.NewNop())
	return &testAPI{handler: server.Handler(), store: store, facts: facts}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestVaultEndpoints(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/vaults",
		`{"vault_pubkey":"vault1","owner":"owner1","token_account":"token1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[domain.Vault](t, w)
	assert.Equal(t, "vault1", created.VaultKey)

	// duplicate key conflicts
	w = api.do(t, http.MethodPost, "/vaults",
		`{"vault_pubkey":"vault1","owner":"owner2","token_account":"token2"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// missing fields rejected
	w = api.do(t, http.MethodPost, "/vaults", `{"vault_pubkey":"vault2"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/vaults/vault1", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[domain.Vault](t, w)
	assert.Equal(t, "owner1", got.OwnerKey)

	w = api.do(t, http.MethodGet, "/vaults/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodGet, "/owners/owner1/vault", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/vaults?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[service.VaultPage](t, w)
	assert.Equal(t, int64(1), page.Total)
}

func TestOperationEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/vaults",
		`{"vault_pubkey":"vault1","owner":"owner1","token_account":"token1"}`)

	w := api.do(t, http.MethodPost, "/operations",
		`{"tx_type":"deposit","vault_pubkey":"vault1","amount":500,"tx_signature":"sig1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[domain.Vault](t, w)
	assert.Equal(t, int64(500), v.TotalBalance)

	// insufficient balance is a semantic rejection, not a server error
	w = api.do(t, http.MethodPost, "/operations",
		`{"tx_type":"withdraw","vault_pubkey":"vault1","amount":900,"tx_signature":"sig2"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = api.do(t, http.MethodPost, "/operations",
		`{"tx_type":"deposit","vault_pubkey":"vault1","amount":-1,"tx_signature":"sig3"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/vaults/vault1/transactions", "")
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[[]domain.TransactionRecord](t, w)
	assert.Len(t, history, 1)

	w = api.do(t, http.MethodGet, "/vaults/vault1/audit", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/tvl", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[domain.TvlStats](t, w)
	assert.Equal(t, int64(500), stats.TotalValueLocked)
}

func TestFactIntake(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/facts",
		`{"vault_pubkey":"vault1","tx_type":"deposit","amount":10,"tx_signature":"sig-f","slot":5}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case fact := <-api.facts:
		assert.Equal(t, "sig-f", fact.TxSignature)
		assert.Equal(t, int64(5), fact.Slot)
	case <-time.After(time.Second):
		t.Fatal("fact not forwarded to the intake channel")
	}

	w = api.do(t, http.MethodPost, "/facts", `{"amount":10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlertEndpoints(t *testing.T) {
	api := newTestAPI(t)

	id, err := api.store.CreateAlert(context.Background(), domain.Alert{
		Type: domain.AlertTypeLowBalance, Severity: domain.SeverityWarning, Message: "low",
	})
	require.NoError(t, err)

	w := api.do(t, http.MethodGet, "/alerts?status=active", "")
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decode[[]domain.Alert](t, w)
	require.Len(t, alerts, 1)

	// resolve before acknowledge conflicts
	w = api.do(t, http.MethodPost, "/alerts/1/resolve", `{"notes":"n"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodPost, "/alerts/1/acknowledge", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodPost, "/alerts/1/resolve", `{"notes":"handled"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resolved := decode[domain.Alert](t, w)
	assert.Equal(t, domain.AlertResolved, resolved.Status)
	assert.Equal(t, id, resolved.ID)

	w = api.do(t, http.MethodPost, "/alerts/nope/acknowledge", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconciliationEndpoints(t *testing.T) {
	api := newTestAPI(t)

	_, err := api.store.CreateReconciliationLog(context.Background(), domain.ReconciliationLog{
		VaultKey: "vault1", ExpectedBalance: 10, ActualBalance: 8, Discrepancy: 2,
	})
	require.NoError(t, err)

	w := api.do(t, http.MethodGet, "/reconciliations", "")
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[[]domain.ReconciliationLog](t, w)
	require.Len(t, logs, 1)

	w = api.do(t, http.MethodPost, "/reconciliations/1/investigate", `{"notes":"checking"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// resolution without notes is rejected
	w = api.do(t, http.MethodPost, "/reconciliations/1/resolve", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodPost, "/reconciliations/1/resolve", `{"notes":"fixed"}`)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
