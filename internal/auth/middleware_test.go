package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/me", RequireActor(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": GetActor(c)})
	})
	r.POST("/admin", RequireAdmin(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": GetActor(c), "admin": IsAdmin(c)})
	})
	return r
}

func TestRequireActor(t *testing.T) {
	r := setupRouter("s3cret")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without actor, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set(HeaderActor, "acme")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with actor, got %d", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	r := setupRouter("s3cret")

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer s3cret", http.StatusOK},
		{"header", HeaderAdminSecret, "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/admin", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestRequireAdmin_DisabledWithoutSecret(t *testing.T) {
	r := setupRouter("")
	req := httptest.NewRequest("POST", "/admin", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 when admin is disabled, got %d", w.Code)
	}
}

func TestMarkAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(), MarkAdmin("s3cret"))
	r.GET("/who", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": GetActor(c), "admin": IsAdmin(c)})
	})

	tests := []struct {
		name   string
		secret string
		actor  string
		want   string
	}{
		{"no secret", "", "acme", `{"actor":"acme","admin":false}`},
		{"wrong secret", "nope", "acme", `{"actor":"acme","admin":false}`},
		{"secret keeps actor", "s3cret", "acme", `{"actor":"acme","admin":true}`},
		{"secret without actor", "s3cret", "", `{"actor":"admin","admin":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/who", nil)
			if tt.secret != "" {
				req.Header.Set(HeaderAdminSecret, tt.secret)
			}
			if tt.actor != "" {
				req.Header.Set(HeaderActor, tt.actor)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != http.StatusOK || w.Body.String() != tt.want {
				t.Errorf("got %d %s, want %s", w.Code, w.Body.String(), tt.want)
			}
		})
	}
}
