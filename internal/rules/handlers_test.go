package rules

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_RuleLifecycle(t *testing.T) {
	r := gin.New()
	NewHandler(NewService(NewMemoryStore(), nil, logging.Discard())).RegisterRoutes(r.Group("/v1"))

	w := do(r, http.MethodPost, "/v1/rules", `{
		"name":"Big spender","type":"amount_threshold","action":"review","riskScore":30,
		"conditions":{"min":"5000"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Rule Rule `json:"rule"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	_, ok := created.Rule.Conditions.(AmountThreshold)
	assert.True(t, ok)

	w = do(r, http.MethodGet, "/v1/rules/"+created.Rule.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPut, "/v1/rules/"+created.Rule.ID, `{"priority":99}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"priority":99`)

	w = do(r, http.MethodPost, "/v1/rules/"+created.Rule.ID+"/deactivate", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"isActive":false`)

	w = do(r, http.MethodGet, "/v1/rules?active=true", "")
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = do(r, http.MethodPost, "/v1/rules/"+created.Rule.ID+"/activate", "")
	assert.Contains(t, w.Body.String(), `"isActive":true`)
}

func TestHandler_RuleErrors(t *testing.T) {
	r := gin.New()
	NewHandler(NewService(NewMemoryStore(), nil, logging.Discard())).RegisterRoutes(r.Group("/v1"))

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/rules", `{"name":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/rules",
		`{"name":"x","type":"multiple_cards","action":"flag","conditions":{"maxCards":-1}}`).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/v1/rules/rule_nope", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/v1/rules/rule_nope/deactivate", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/v1/rules?type=bogus", "").Code)
}
