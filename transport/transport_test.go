package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hevysync.dev/agent/internal/herrors"
)

func TestDo_AttachesApiKeyAndAcceptHeaders(t *testing.T) {
	var gotAPIKey, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("api-key")
		gotAccept = r.Header.Get("Accept")
		w.WriteHeader(204)
	}))
	defer server.Close()

	ex := New(server.URL, "secret-key")
	resp, err := ex.Do(t.Context(), Request{Method: "GET", Path: "/exercises"})
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
	assert.Equal(t, "secret-key", gotAPIKey)
	assert.Equal(t, "application/json", gotAccept)
}

func TestClassify_204IsEmptySuccess(t *testing.T) {
	err := Classify(&ResponseView{Status: 204}, nil)
	assert.NoError(t, err)
}

func TestClassify_2xxDecodesIntoOut(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	var out payload
	err := Classify(&ResponseView{Status: 200, Body: []byte(`{"name":"squat"}`)}, &out)
	require.NoError(t, err)
	assert.Equal(t, "squat", out.Name)
}

func TestClassify_2xxBadJsonFails(t *testing.T) {
	var out struct{}
	err := Classify(&ResponseView{Status: 200, Body: []byte(`not json`)}, &out)
	var badJSON *herrors.BadJsonError
	require.ErrorAs(t, err, &badJSON)
	assert.Equal(t, 200, badJSON.Status)
}

func TestClassify_401IsInvalidApiKey(t *testing.T) {
	err := Classify(&ResponseView{Status: 401}, nil)
	var invalidKey *herrors.InvalidApiKeyError
	require.ErrorAs(t, err, &invalidKey)
}

func TestClassify_404IsApiError(t *testing.T) {
	err := Classify(&ResponseView{Status: 404}, nil)
	var apiErr *herrors.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestClassify_UnknownStatusIsApiErrorWithStockMessage(t *testing.T) {
	err := Classify(&ResponseView{Status: 503}, nil)
	var apiErr *herrors.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "503")
}
