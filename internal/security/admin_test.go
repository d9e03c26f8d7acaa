package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		value  string
		want   int
	}{
		{"disabled without secret", "", "", "", http.StatusOK},
		{"correct header", "s3cret", AdminSecretHeader, "s3cret", http.StatusOK},
		{"bearer token", "s3cret", "Authorization", "Bearer s3cret", http.StatusOK},
		{"wrong secret", "s3cret", AdminSecretHeader, "guess", http.StatusUnauthorized},
		{"missing header", "s3cret", "", "", http.StatusUnauthorized},
		{"bare authorization", "s3cret", "Authorization", "s3cret-but-longer", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := okRouter(RequireAdmin(tc.secret))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.want, w.Code)
		})
	}
}
