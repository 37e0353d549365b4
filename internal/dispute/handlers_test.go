package dispute

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeflow/internal/auth"
	"github.com/mbd888/tradeflow/internal/ledger"
	"github.com/mbd888/tradeflow/internal/trade"
)

const testAdminSecret = "test-admin-secret-0123456789abcdef"

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	h := NewHandler(f.disputes, f.store)

	r := gin.New()
	r.Use(auth.Middleware())
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1.Group("", auth.RequireActor()))
	h.RegisterAdminRoutes(v1.Group("/admin", auth.RequireAdmin(testAdminSecret)))
	return r, f
}

func send(r *gin.Engine, method, path, actor string, admin bool, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(auth.HeaderActor, actor)
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+testAdminSecret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type disputeResponse struct {
	Dispute ledger.Dispute `json:"dispute"`
}

func TestHandler_OpenGetResolve(t *testing.T) {
	r, f := setupRouter(t)
	tr, _ := f.fundedTrade(t, "1000", trade.EventShip)

	w := send(r, http.MethodPost, "/v1/trades/"+tr.ID+"/disputes", "buyer_co", false, map[string]string{"reason": "wrong grade"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var opened disputeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))
	assert.Equal(t, ledger.DisputeInReview, opened.Dispute.Status)

	w = send(r, http.MethodPost, "/v1/trades/"+tr.ID+"/disputes", "seller_co", false, map[string]string{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = send(r, http.MethodGet, "/v1/disputes/"+opened.Dispute.ID, "seller_co", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = send(r, http.MethodGet, "/v1/disputes/"+opened.Dispute.ID, "stranger", false, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = send(r, http.MethodGet, "/v1/trades/"+tr.ID+"/disputes", "buyer_co", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	resolvePath := "/v1/admin/disputes/" + opened.Dispute.ID + "/resolve"
	w = send(r, http.MethodPost, resolvePath, "arbiter", false, map[string]any{"outcome": "favor_buyer"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = send(r, http.MethodPost, resolvePath, "arbiter", true, map[string]any{"outcome": "split", "releaseAmount": "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodPost, "/v1/admin/disputes/"+opened.Dispute.ID+"/escalate", "arbiter", true, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = send(r, http.MethodPost, resolvePath, "arbiter", true, map[string]any{
		"outcome": "split", "releaseAmount": "700", "refundAmount": "300", "note": "agreed discount",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resolved disputeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.Equal(t, ledger.DisputeResolved, resolved.Dispute.Status)
	assert.Equal(t, "arbiter", resolved.Dispute.ResolvedBy)
}

func TestHandler_OpenRequiresReason(t *testing.T) {
	r, f := setupRouter(t)
	tr, _ := f.fundedTrade(t, "10")

	w := send(r, http.MethodPost, "/v1/trades/"+tr.ID+"/disputes", "buyer_co", false, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = send(r, http.MethodPost, "/v1/trades/"+tr.ID+"/disputes", "stranger", false, map[string]string{"reason": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
