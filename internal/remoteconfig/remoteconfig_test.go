package remoteconfig

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitd/limitd-go/internal/bucket"
)

func TestFetchReturnsChangedOnFirstCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"buckets":{"ip":{"size":10,"per_interval":10,"interval":1000}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	buckets, changed, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(10), buckets["ip"].Size)
}

func TestFetchReportsUnchangedOnIdenticalBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"buckets":{"ip":{"size":10,"per_interval":10,"interval":1000}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, changed, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.True(t, changed)

	_, changed, err = c.Fetch(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFetchRejectsInvalidBucketType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"buckets":{"bad":{"size":0,"per_interval":10,"interval":1000}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, _, err := c.Fetch(context.Background())
	assert.Error(t, err)
}

func TestPollInvokesOnUpdateOnChangeThenStopsOnUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"buckets":{"ip":{"size":10,"per_interval":10,"interval":1000}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	c.Poll(ctx, 20*time.Millisecond, func(m map[string]bucket.BucketType) {
		calls.Add(1)
	})
	assert.Equal(t, int32(1), calls.Load())
}
