package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

func TestHTTPAuthorityClient_FetchBudget_ParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/budget/tenant-a", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"committed_micro":"1000","reserved_micro":"0","limit_micro":"10000000","window_start":0,"window_end":0}`))
	}))
	defer srv.Close()

	c := NewHTTPAuthorityClient(srv.URL, time.Second)
	snap, err := c.FetchBudget(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, money.FromInt64(1000), snap.CommittedMicro)
	assert.Equal(t, money.FromInt64(10_000_000), snap.LimitMicro)
}

func TestHTTPAuthorityClient_FetchBudget_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPAuthorityClient(srv.URL, time.Second)
	_, err := c.FetchBudget(context.Background(), "tenant-a")
	assert.Error(t, err)
}

func TestHTTPAuthorityClient_FetchBudget_TimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewHTTPAuthorityClient(srv.URL, 5*time.Millisecond)
	_, err := c.FetchBudget(context.Background(), "tenant-a")
	assert.Error(t, err)
}
