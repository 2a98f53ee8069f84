package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"esc_0f3a9c", true},
		{"dsp_12-ab", true},
		{"tx1", true},

		// Invalid cases
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{"../etc/passwd", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("transactionId", ""),
		ValidID("buyerId", "bad id"),
		MaxLength("title", "abcdef", 3),
		OneOf("priority", "critical", "low", "normal", "high", "urgent"),
		PositiveAmount("amount", decimal.Zero),
	)
	assert.Len(t, errs, 5)
	assert.Equal(t, "transactionId: is required", errs.Error())

	errs = Validate(
		Required("transactionId", "tx_1"),
		ValidID("buyerId", "u_1"),
		OneOf("priority", "", "low"),
		PositiveAmount("amount", decimal.RequireFromString("12.50")),
		NonNegativeAmount("compensationAmount", decimal.Zero),
	)
	assert.Empty(t, errs)
}

func TestPositiveAmountPrecision(t *testing.T) {
	err := PositiveAmount("amount", decimal.RequireFromString("1.005"))()
	if assert.NotNil(t, err) {
		assert.Contains(t, err.Message, "two decimal places")
	}
	assert.NotNil(t, NonNegativeAmount("amount", decimal.NewFromInt(-1))())
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/escrows/:id", IDParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/escrows/esc_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/escrows/esc%3B1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
