package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeflow/internal/auth"
	"github.com/mbd888/tradeflow/internal/ledger"
)

const testAdminSecret = "test-admin-secret-0123456789abcdef"

func setupRouter(t *testing.T) (*gin.Engine, *Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e, store, _, id := newTestEngine(t)
	h := NewHandler(e, store)

	r := gin.New()
	r.Use(auth.Middleware())
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1.Group("", auth.RequireActor()))
	h.RegisterAdminRoutes(v1.Group("/admin", auth.RequireAdmin(testAdminSecret)))
	return r, e, id
}

func TestHandler_GetTradeEscrow(t *testing.T) {
	r, e, id := setupRouter(t)
	_, err := e.Hold(context.Background(), id, d("250"), "pi_1", ledger.CauseWebhook)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/trades/trd_1/escrow", nil)
	req.Header.Set(auth.HeaderActor, "buyer_co")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Escrow ledger.EscrowAccount `json:"escrow"`
		Events []ledger.EscrowEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ledger.EscrowPending, resp.Escrow.Status)
	assert.Len(t, resp.Events, 1)
}

func TestHandler_GetTradeEscrow_NonParty(t *testing.T) {
	r, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/trades/trd_1/escrow", nil)
	req.Header.Set(auth.HeaderActor, "someone_else")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/trades/trd_missing/escrow", nil)
	req.Header.Set(auth.HeaderActor, "buyer_co")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Override(t *testing.T) {
	r, e, id := setupRouter(t)
	_, err := e.Hold(context.Background(), id, d("1000"), "pi_1", ledger.CauseWebhook)
	require.NoError(t, err)

	post := func(body map[string]string, secret string) *httptest.ResponseRecorder {
		b, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/escrows/"+id+"/override", bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(auth.HeaderActor, "ops_alice")
		if secret != "" {
			req.Header.Set("Authorization", "Bearer "+secret)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := post(map[string]string{"op": "refund", "amount": "100", "reason": "chargeback"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(map[string]string{"op": "refund", "amount": "-1", "reason": "chargeback"}, testAdminSecret)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(map[string]string{"op": "release", "amount": "5000", "reason": "oops"}, testAdminSecret)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = post(map[string]string{"op": "refund", "amount": "100", "reason": "chargeback"}, testAdminSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Escrow ledger.EscrowAccount `json:"escrow"`
		Event  ledger.EscrowEvent   `json:"event"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ledger.CauseAdmin, resp.Event.CausedBy)
	assert.Equal(t, "ops_alice", resp.Event.Actor)
	assert.True(t, resp.Escrow.HeldAmount.Equal(d("900")))
}

func TestHandler_AdminGetEscrowIncludesDrift(t *testing.T) {
	r, _, id := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/escrows/"+id, nil)
	req.Header.Set(auth.HeaderAdminSecret, testAdminSecret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "null", string(resp["drift"]))
}

func TestHandler_AdminListEscrows(t *testing.T) {
	r, _, id := setupRouter(t)

	list := func(query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/escrows"+query, nil)
		req.Header.Set(auth.HeaderAdminSecret, testAdminSecret)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := list("?limit=10")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page struct {
		Items   []ledger.EscrowAccount `json:"items"`
		HasMore bool                   `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, id, page.Items[0].ID)
	assert.False(t, page.HasMore)

	assert.Equal(t, http.StatusBadRequest, list("?cursor=%21%21").Code)
}
