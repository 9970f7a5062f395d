package validation

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequired(t *testing.T) {
	assert.Nil(t, Required("id", "evt_1")())

	fe := Required("id", "   ")()
	require.NotNil(t, fe)
	assert.Equal(t, "id", fe.Field)
	assert.Equal(t, "is required", fe.Message)
}

func TestLengthBetween(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"EU", false},
		{"EUR", true},
		{"USDCOINS", true},
		{"USDCOINSX", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			fe := LengthBetween("currency", tt.value, 3, 8)()
			if tt.ok {
				assert.Nil(t, fe)
			} else {
				require.NotNil(t, fe)
				assert.Contains(t, fe.Message, "between 3 and 8")
			}
		})
	}
}

func TestLengthBetween_Exact(t *testing.T) {
	fe := LengthBetween("currency", "EURO", 3, 3)()
	require.NotNil(t, fe)
	assert.Equal(t, "must be exactly 3 characters", fe.Message)
}

func TestPositive(t *testing.T) {
	assert.Nil(t, Positive("amount", 10.5)())
	assert.NotNil(t, Positive("amount", 0)())
	assert.NotNil(t, Positive("amount", -1)())
	assert.NotNil(t, Positive("amount", math.NaN())())
	assert.NotNil(t, Positive("amount", math.Inf(1))())
}

func TestRun_CollectsAllFailures(t *testing.T) {
	errs := Run(
		Required("id", ""),
		Required("merchant_id", "m1"),
		Positive("amount", 0),
	)
	require.Len(t, errs, 2)
	assert.Equal(t, "id", errs[0].Field)
	assert.Equal(t, "amount", errs[1].Field)
	assert.Equal(t, "id: is required; amount: must be greater than zero", errs.Error())
}

func TestRun_NoFailures(t *testing.T) {
	assert.Empty(t, Run(Required("id", "x"), MaxLength("id", "x", 64)))
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("x", 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
