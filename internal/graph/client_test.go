package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/v1.0", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEncodeQuery(t *testing.T) {
	q := url.Values{}
	q.Set("$top", "10")
	q.Set("$orderby", "receivedDateTime desc")
	q.Set("$filter", "mail eq 'a+b@example.com'")

	assert.Equal(t,
		"$filter=mail%20eq%20%27a%2Bb%40example.com%27&$orderby=receivedDateTime%20desc&$top=10",
		EncodeQuery(q))
	assert.Equal(t, "", EncodeQuery(nil))
}

func TestGetJSONSendsBearerToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/me", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "id", r.URL.Query().Get("$select"))
		_, _ = w.Write([]byte(`{"displayName":"Ada"}`))
	})

	var me struct {
		DisplayName string `json:"displayName"`
	}
	err := client.GetJSON(context.Background(), "tok", "/me", url.Values{"$select": {"id"}}, LookupTimeout, &me)
	require.NoError(t, err)
	assert.Equal(t, "Ada", me.DisplayName)
}

func TestGetReturnsAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"ErrorGroupIsUsedInNonGroupURI","message":"group"}}`))
	})

	_, err := client.GetRaw(context.Background(), "tok", "/users/x/messages", nil, ListTimeout)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "ErrorGroupIsUsedInNonGroupURI", apiErr.Code)
	assert.Equal(t, KindGroupMailbox, apiErr.Kind())
	assert.JSONEq(t, `{"error":{"code":"ErrorGroupIsUsedInNonGroupURI","message":"group"}}`, string(apiErr.Body))
}

func TestAPIErrorNonJSONBody(t *testing.T) {
	apiErr := newAPIError(http.StatusBadGateway, []byte("upstream down"))
	assert.Equal(t, `"upstream down"`, string(apiErr.Body))
	assert.Equal(t, KindUnknown, apiErr.Kind())
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		code   string
		kind   ErrorKind
	}{
		{http.StatusBadRequest, "ErrorGroupIsUsedInNonGroupURI", KindGroupMailbox},
		{http.StatusNotFound, "ErrorItemNotFound", KindNotFound},
		{http.StatusUnauthorized, "InvalidAuthenticationToken", KindUnauthorized},
		{http.StatusTooManyRequests, "", KindThrottled},
		{http.StatusBadRequest, "ErrorInvalidUser", KindUnknown},
		{http.StatusForbidden, "ErrorAccessDenied", KindUnknown},
	}
	for _, test := range tests {
		err := &APIError{StatusCode: test.status, Code: test.code}
		assert.Equal(t, test.kind, err.Kind(), "status %d code %q", test.status, test.code)
	}
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
}

func TestGetRetriesWhenThrottled(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("raw"))
	})

	body, err := client.GetRaw(context.Background(), "tok", "/x", nil, ContentTimeout)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(body))
	assert.Equal(t, int32(2), calls.Load())
}
