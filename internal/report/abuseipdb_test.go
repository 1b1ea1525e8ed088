package report

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsForm(t *testing.T) {
	var got url.Values
	var key, accept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got, _ = url.ParseQuery(string(body))
		key = r.Header.Get("Key")
		accept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"ipAddress":"203.0.113.5","abuseConfidenceScore":52}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	err := c.Send(context.Background(), Report{IP: "203.0.113.5", Categories: "18,21", Comment: "Path: /, Method: GET, UA: x"})
	require.NoError(t, err)

	assert.Equal(t, "secret", key)
	assert.Equal(t, "application/json", accept)
	assert.Equal(t, "203.0.113.5", got.Get("ip"))
	assert.Equal(t, "18,21", got.Get("categories"))
	assert.Equal(t, "Path: /, Method: GET, UA: x", got.Get("comment"))
}

func TestClientNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"errors":[{"detail":"Daily rate limit of 1000 requests exceeded"}]}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "k", time.Second).Send(context.Background(), Report{IP: "203.0.113.5"})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusTooManyRequests, se.Code)
	require.Contains(t, se.Error(), "rate limit")
}

func TestClientUnexpectedBodyStillSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL, "k", time.Second).Send(context.Background(), Report{IP: "203.0.113.5"}))
}

func TestClientHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewClient(srv.URL, "k", 5*time.Second).Send(ctx, Report{IP: "203.0.113.5"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
