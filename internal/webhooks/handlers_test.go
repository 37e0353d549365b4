package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeflow/internal/auth"
)

func setupRouter() (*gin.Engine, *MemoryStore) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	r.Use(auth.Middleware())
	NewHandler(store).RegisterRoutes(r.Group("/v1", auth.RequireActor()))
	return r, store
}

func do(r *gin.Engine, method, path, actor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderActor, actor)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	r, store := setupRouter()

	w := do(r, http.MethodPost, "/v1/companies/buyer_co/webhooks", "buyer_co",
		`{"url":"https://hooks.example.com/tf","events":["escrow.hold","dispute.opened"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Secret)
	assert.Equal(t, "buyer_co", created.Webhook.CompanyID)
	assert.NotContains(t, w.Body.String(), `"Secret"`)

	stored, err := store.Get(context.Background(), created.Webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Secret, stored.Secret)

	w = do(r, http.MethodGet, "/v1/companies/buyer_co/webhooks", "buyer_co", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = do(r, http.MethodDelete, "/v1/companies/buyer_co/webhooks/"+created.Webhook.ID, "buyer_co", "")
	require.Equal(t, http.StatusOK, w.Code)
	_, err = store.Get(context.Background(), created.Webhook.ID)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestHandler_CreateRejects(t *testing.T) {
	r, _ := setupRouter()

	cases := []struct {
		name, actor, body string
		want              int
	}{
		{"other company", "seller_co", `{"url":"https://example.com","events":["*"]}`, http.StatusForbidden},
		{"private url", "buyer_co", `{"url":"http://10.1.2.3/hook","events":["*"]}`, http.StatusBadRequest},
		{"no events", "buyer_co", `{"url":"https://example.com","events":[]}`, http.StatusBadRequest},
		{"bad json", "buyer_co", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/v1/companies/buyer_co/webhooks", tc.actor, tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestHandler_DeleteOtherCompanysWebhook(t *testing.T) {
	r, store := setupRouter()
	subscribe(t, store, "wh_seller", "seller_co", "https://example.com", AllEvents)

	w := do(r, http.MethodDelete, "/v1/companies/buyer_co/webhooks/wh_seller", "buyer_co", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := store.Get(context.Background(), "wh_seller")
	assert.NoError(t, err)
}
