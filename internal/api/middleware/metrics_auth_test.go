package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/sanosuguru/go-event-seat-lock/internal/config"
)

func newMetricsEcho(cfg config.MetricsConfig) *echo.Echo {
	e := echo.New()
	e.GET("/metrics", func(c echo.Context) error {
		return c.String(http.StatusOK, "metrics")
	}, MetricsBasicAuth(cfg))
	return e
}

func TestMetricsBasicAuth(t *testing.T) {
	protected := config.MetricsConfig{User: "testuser", Password: "testpass"}

	tests := []struct {
		name     string
		cfg      config.MetricsConfig
		user     string
		password string
		setAuth  bool
		want     int
	}{
		{name: "認証設定が無ければ素通し", cfg: config.MetricsConfig{}, want: http.StatusOK},
		{name: "ユーザーのみの設定は無効扱い", cfg: config.MetricsConfig{User: "only"}, want: http.StatusOK},
		{name: "正しい認証情報", cfg: protected, user: "testuser", password: "testpass", setAuth: true, want: http.StatusOK},
		{name: "パスワード違い", cfg: protected, user: "testuser", password: "wrong", setAuth: true, want: http.StatusUnauthorized},
		{name: "ユーザー違い", cfg: protected, user: "other", password: "testpass", setAuth: true, want: http.StatusUnauthorized},
		{name: "認証ヘッダー無し", cfg: protected, want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newMetricsEcho(tt.cfg)
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.password)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "metrics", rec.Body.String())
			}
		})
	}
}

func TestMetricsConfig_AuthEnabled(t *testing.T) {
	assert.False(t, config.MetricsConfig{}.AuthEnabled())
	assert.False(t, config.MetricsConfig{Password: "p"}.AuthEnabled())
	assert.True(t, config.MetricsConfig{User: "u", Password: "p"}.AuthEnabled())
}
