package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marwen-abid/anchor-cashout-go/errors"
	"github.com/marwen-abid/anchor-cashout-go/withdraw"
)

type fakeCreator struct {
	url, id string
	err     error
}

func (f *fakeCreator) NewTransaction(context.Context) (string, string, error) {
	return f.url, f.id, f.err
}

type fakeDriver struct {
	receipt *withdraw.Receipt
	err     error
	ids     []string
}

func (f *fakeDriver) DrivePayment(_ context.Context, id string) (*withdraw.Receipt, error) {
	f.ids = append(f.ids, id)
	return f.receipt, f.err
}

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestNewURL(t *testing.T) {
	router := SetupRouter(&fakeCreator{url: "https://anchor/flow?callback=postmessage", id: "tx-1"}, &fakeDriver{}, RouterConfig{})

	w := serve(router, http.MethodGet, "/url", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]string{"url": "https://anchor/flow?callback=postmessage", "txid": "tx-1"}, decode(t, w))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewURLFailure(t *testing.T) {
	creator := &fakeCreator{err: errors.NewClientError(errors.AUTHENTICATION_FAILED, "rejected", nil)}
	router := SetupRouter(creator, &fakeDriver{}, RouterConfig{})

	w := serve(router, http.MethodGet, "/url", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "AUTHENTICATION_FAILED", decode(t, w)["code"])
}

func TestSend(t *testing.T) {
	driver := &fakeDriver{receipt: &withdraw.Receipt{
		StatusPageURL:   "https://anchor/tx/tx-1",
		ReferenceNumber: "REF-9",
		PaymentHash:     "abc",
	}}
	router := SetupRouter(&fakeCreator{}, driver, RouterConfig{})

	w := serve(router, http.MethodPost, "/send", `{"id":"tx-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]string{"status": "ok", "url": "https://anchor/tx/tx-1", "refNumber": "REF-9"}, decode(t, w))
	assert.Equal(t, []string{"tx-1"}, driver.ids)
}

func TestSendErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown id", errors.NewStoreError(errors.UNKNOWN_TRANSACTION, "no record", nil), http.StatusNotFound, "UNKNOWN_TRANSACTION"},
		{"concurrent drive", errors.NewCoreError(errors.TRANSFER_IN_PROGRESS, "busy", nil), http.StatusConflict, "TRANSFER_IN_PROGRESS"},
		{"poll timeout", errors.NewCoreError(errors.POLL_TIMEOUT, "gave up", nil), http.StatusInternalServerError, "POLL_TIMEOUT"},
		{"plain error", stderrors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := SetupRouter(&fakeCreator{}, &fakeDriver{err: tc.err}, RouterConfig{})

			w := serve(router, http.MethodPost, "/send", `{"id":"tx-1"}`)
			assert.Equal(t, tc.status, w.Code)
			body := decode(t, w)
			assert.Equal(t, tc.code, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSendRejectsBadBody(t *testing.T) {
	driver := &fakeDriver{}
	router := SetupRouter(&fakeCreator{}, driver, RouterConfig{})

	for _, body := range []string{`{}`, `not json`, `{"id":""}`} {
		w := serve(router, http.MethodPost, "/send", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, driver.ids)
}

func TestRequestIDIsPropagated(t *testing.T) {
	router := SetupRouter(&fakeCreator{}, &fakeDriver{}, RouterConfig{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/url", nil)
	req.Header.Set("X-Request-ID", "req-123")
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestPreflight(t *testing.T) {
	router := SetupRouter(&fakeCreator{}, &fakeDriver{}, RouterConfig{})

	w := serve(router, http.MethodOptions, "/send", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestIndexFile(t *testing.T) {
	index := filepath.Join(t.TempDir(), "index.html")
	require.NoError(t, os.WriteFile(index, []byte("<html>cash out</html>"), 0o600))
	router := SetupRouter(&fakeCreator{}, &fakeDriver{}, RouterConfig{IndexFile: index})

	w := serve(router, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cash out")

	w = serve(SetupRouter(&fakeCreator{}, &fakeDriver{}, RouterConfig{}), http.MethodGet, "/", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
