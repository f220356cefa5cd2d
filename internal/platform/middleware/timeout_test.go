package middleware

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func slowHandler(c echo.Context) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

func TestRequestTimeout(t *testing.T) {
	tests := []struct {
		name     string
		timeout  time.Duration
		skip     func(echo.Context) bool
		handler  echo.HandlerFunc
		wantCode int
	}{
		{"completes", time.Second, nil, func(c echo.Context) error { return nil }, 0},
		{"expires", 20 * time.Millisecond, nil, slowHandler, http.StatusGatewayTimeout},
		{"disabled", 0, nil, func(c echo.Context) error {
			if _, ok := c.Request().Context().Deadline(); ok {
				return errors.New("unexpected deadline")
			}
			return nil
		}, 0},
		{"skipped", 20 * time.Millisecond, func(echo.Context) bool { return true }, func(c echo.Context) error {
			if _, ok := c.Request().Context().Deadline(); ok {
				return errors.New("unexpected deadline")
			}
			return nil
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContext(http.MethodPost, "/api/v1/lab-reports/1/analyze")
			err := RequestTimeout(tt.timeout, tt.skip)(tt.handler)(c)

			if tt.wantCode == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != tt.wantCode {
				t.Errorf("err = %v, want HTTP %d", err, tt.wantCode)
			}
		})
	}
}

func TestRequestTimeout_HandlerSeesDeadline(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/")
	err := RequestTimeout(time.Second, nil)(func(c echo.Context) error {
		dl, ok := c.Request().Context().Deadline()
		if !ok || time.Until(dl) > time.Second {
			return errors.New("deadline not applied")
		}
		return nil
	})(c)
	if err != nil {
		t.Fatal(err)
	}
}
