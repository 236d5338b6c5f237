package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func corsContext(t *testing.T, method, origin string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, "/chat", nil)
	if origin != "" {
		c.Request.Header.Set("Origin", origin)
	}
	return c, rec
}

func TestCORS_AllowsConfiguredOrigin(t *testing.T) {
	c, rec := corsContext(t, http.MethodPost, "https://app.example")
	CORS([]string{"https://app.example"})(c)

	require.False(t, c.IsAborted())
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Session-ID")
}

func TestCORS_IgnoresUnknownOrigin(t *testing.T) {
	c, rec := corsContext(t, http.MethodPost, "https://evil.example")
	CORS([]string{"https://app.example"})(c)

	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	c, rec := corsContext(t, http.MethodOptions, "https://app.example")
	CORS([]string{"*"})(c)

	require.True(t, c.IsAborted())
	require.Equal(t, http.StatusNoContent, rec.Code)
}
