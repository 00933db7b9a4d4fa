package validation

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("orderId", ""),
		ValidIP("ip", "999.1.1.1"),
		ValidCountry("billingCountry", "USA"),
		NonNegativeAmount("amount", decimal.NewFromInt(-1)),
		IntRange("severity", 11, 1, 10),
		OneOf("decision", "maybe", "approved", "rejected"),
		MaxLength("notes", "abcdef", 3),
	)
	require.Len(t, errs, 7)
	assert.Equal(t, "orderId", errs[0].Field)
	assert.Equal(t, "orderId: is required (and more)", errs.Error())
}

func TestValidate_AcceptsGoodInput(t *testing.T) {
	errs := Validate(
		Required("orderId", "ord_1"),
		ValidIP("ip", "2001:db8::1"),
		ValidIP("ip", ""),
		ValidCountry("billingCountry", "us"),
		NonNegativeAmount("amount", decimal.RequireFromString("5000.00")),
		IntRange("severity", 10, 1, 10),
		OneOf("decision", "approved", "approved", "rejected"),
	)
	assert.Empty(t, errs)
	assert.Equal(t, "validation failed", errs.Error())
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  a\x00bc  ", 10))
	assert.Equal(t, "ab", SanitizeString("abcdef", 2))
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", bytes.NewBufferString("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", bytes.NewBufferString("0123")))
	assert.Equal(t, http.StatusOK, w.Code)
}
