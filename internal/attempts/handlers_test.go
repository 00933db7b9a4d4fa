package attempts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_RecordAndList(t *testing.T) {
	l, _, _, _ := newTestLogger()
	r := gin.New()
	NewHandler(l).RegisterRoutes(r.Group("/v1"))

	for i := 0; i < 3; i++ {
		w := doJSON(r, http.MethodPost, "/v1/attempts", gin.H{
			"type": "credential_stuffing", "ip": "192.0.2.10", "severity": 7, "userId": "u_1",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := doJSON(r, http.MethodGet, "/v1/attempts?userId=u_1&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Attempts   []Attempt `json:"attempts"`
		NextCursor string    `json:"nextCursor"`
		HasMore    bool      `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Attempts, 2)
	assert.True(t, page.HasMore)

	w = doJSON(r, http.MethodGet, "/v1/attempts?userId=u_1&limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Attempts, 1)
	assert.False(t, page.HasMore)
}

func TestHandler_Errors(t *testing.T) {
	l, _, _, _ := newTestLogger()
	r := gin.New()
	NewHandler(l).RegisterRoutes(r.Group("/v1"))

	w := doJSON(r, http.MethodPost, "/v1/attempts", gin.H{"type": "card_testing", "severity": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = doJSON(r, http.MethodGet, "/v1/attempts/att_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/attempts?cursor=@@@", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
