package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitd/limitd-go/internal/bucket"
	"github.com/limitd/limitd-go/internal/protocol"
	"github.com/limitd/limitd-go/internal/store"
)

// fakeEvaluator lets tests assert exactly which store calls the handler
// made, in particular to enforce that an unlimited bucket type never
// reaches the store at all.
type fakeEvaluator struct {
	takeCalls  int
	putCalls   int
	getCalls   int
	eraseCalls int
	waitCalls  int

	takeResult bucket.State
	takeOK     bool
	takeErr    error

	putResult bucket.State
	putErr    error

	getResult bucket.State
	getErr    error

	statusEntries []store.StatusEntry
	statusErr     error
}

func (f *fakeEvaluator) Take(ctx context.Context, typ, key string, lim bucket.Limits, count int64, now time.Time) (bucket.State, bool, error) {
	f.takeCalls++
	return f.takeResult, f.takeOK, f.takeErr
}

func (f *fakeEvaluator) Put(ctx context.Context, typ, key string, lim bucket.Limits, count int64, all bool, now time.Time) (bucket.State, error) {
	f.putCalls++
	return f.putResult, f.putErr
}

func (f *fakeEvaluator) Get(ctx context.Context, typ, key string, lim bucket.Limits, now time.Time) (bucket.State, error) {
	f.getCalls++
	return f.getResult, f.getErr
}

func (f *fakeEvaluator) Erase(ctx context.Context, typ, key string) error {
	f.eraseCalls++
	return nil
}

func (f *fakeEvaluator) Wait(ctx context.Context, typ, key string, lim bucket.Limits, count int64, now time.Time) (bucket.State, bool, error) {
	f.waitCalls++
	return f.takeResult, f.takeOK, f.takeErr
}

func (f *fakeEvaluator) StatusPrefix(ctx context.Context, typ, prefix string) ([]store.StatusEntry, error) {
	return f.statusEntries, f.statusErr
}

func newTestHandler(t *testing.T, bt bucket.BucketType, ev *fakeEvaluator) *Handler {
	t.Helper()
	reg := bucket.NewRegistry()
	require.NoError(t, reg.Replace(map[string]bucket.BucketType{bt.Name: bt}))
	return New(reg, ev)
}

func TestUnlimitedFastPathSkipsStore(t *testing.T) {
	bt := bucket.BucketType{Name: "unlimited_t", Size: 10, Unlimited: true}
	ev := &fakeEvaluator{}
	h := newTestHandler(t, bt, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 1, Method: protocol.MethodTake, Type: "unlimited_t", Key: "x", Count: 1_000_000,
	})

	body, ok := resp.Body.(protocol.TakeBody)
	require.True(t, ok)
	assert.True(t, body.Conformant)
	assert.Equal(t, float64(10), body.Remaining)
	assert.Equal(t, 0, ev.takeCalls)
}

func TestUnlimitedPutSkipsStore(t *testing.T) {
	bt := bucket.BucketType{Name: "unlimited_t", Size: 10, Unlimited: true}
	ev := &fakeEvaluator{}
	h := newTestHandler(t, bt, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 11, Method: protocol.MethodPut, Type: "unlimited_t", Key: "x", All: true,
	})

	body, ok := resp.Body.(protocol.PutBody)
	require.True(t, ok)
	assert.Equal(t, float64(10), body.Remaining)
	assert.Equal(t, 0, ev.putCalls)
}

func TestUnlimitedStatusSkipsStore(t *testing.T) {
	bt := bucket.BucketType{Name: "unlimited_t", Size: 10, Unlimited: true}
	ev := &fakeEvaluator{}
	h := newTestHandler(t, bt, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 12, Method: protocol.MethodStatus, Type: "unlimited_t", Key: "x",
	})

	body, ok := resp.Body.(protocol.StatusBody)
	require.True(t, ok)
	item, present := body.Items["x"]
	require.True(t, present)
	assert.Equal(t, float64(10), item.Remaining)
	assert.Equal(t, 0, ev.getCalls)
}

func TestTakeDelegatesToStore(t *testing.T) {
	bt := bucket.BucketType{Name: "ip", Size: 10, PerInterval: 10, Interval: 1000}
	ev := &fakeEvaluator{takeResult: bucket.State{Tokens: 7}, takeOK: true}
	h := newTestHandler(t, bt, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 1, Method: protocol.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 1,
	})

	body, ok := resp.Body.(protocol.TakeBody)
	require.True(t, ok)
	assert.True(t, body.Conformant)
	assert.Equal(t, float64(7), body.Remaining)
	assert.Equal(t, 1, ev.takeCalls)
}

func TestUnknownBucketTypeReturnsErrorBody(t *testing.T) {
	ev := &fakeEvaluator{}
	h := newTestHandler(t, bucket.BucketType{Name: "ip", Size: 1, PerInterval: 1, Interval: 1000}, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 9, Method: protocol.MethodTake, Type: "does-not-exist", Key: "k", Count: 1,
	})

	body, ok := resp.Body.(protocol.ErrorBody)
	require.True(t, ok)
	assert.Equal(t, "UNKNOWN_BUCKET_TYPE", body.Kind)
	assert.Equal(t, uint64(9), resp.ID)
}

func TestUnknownMethodReturnsErrorBody(t *testing.T) {
	ev := &fakeEvaluator{}
	h := newTestHandler(t, bucket.BucketType{Name: "ip", Size: 1, PerInterval: 1, Interval: 1000}, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 2, Method: protocol.Method(99), Type: "ip", Key: "k",
	})

	body, ok := resp.Body.(protocol.ErrorBody)
	require.True(t, ok)
	assert.Equal(t, "UNKNOWN_METHOD", body.Kind)
}

func TestEmptyKeyIsValidationError(t *testing.T) {
	ev := &fakeEvaluator{}
	h := newTestHandler(t, bucket.BucketType{Name: "ip", Size: 1, PerInterval: 1, Interval: 1000}, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 3, Method: protocol.MethodTake, Type: "ip", Key: "",
	})

	body, ok := resp.Body.(protocol.ErrorBody)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION", body.Kind)
}

func TestNegativeCountIsValidationError(t *testing.T) {
	ev := &fakeEvaluator{}
	h := newTestHandler(t, bucket.BucketType{Name: "ip", Size: 1, PerInterval: 1, Interval: 1000}, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 4, Method: protocol.MethodTake, Type: "ip", Key: "k", Count: -1,
	})

	body, ok := resp.Body.(protocol.ErrorBody)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION", body.Kind)
}

func TestResetErasesAndReportsFullBucket(t *testing.T) {
	bt := bucket.BucketType{Name: "ip", Size: 10, PerInterval: 10, Interval: 1000}
	ev := &fakeEvaluator{}
	h := newTestHandler(t, bt, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 5, Method: protocol.MethodReset, Type: "ip", Key: "1.2.3.4",
	})

	body, ok := resp.Body.(protocol.PutBody)
	require.True(t, ok)
	assert.Equal(t, float64(10), body.Remaining)
	assert.Equal(t, 1, ev.eraseCalls)
}

func TestStatusSingleKeyWrapsInItemsMap(t *testing.T) {
	bt := bucket.BucketType{Name: "ip", Size: 10, PerInterval: 10, Interval: 1000}
	ev := &fakeEvaluator{getResult: bucket.State{Tokens: 4}}
	h := newTestHandler(t, bt, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 6, Method: protocol.MethodStatus, Type: "ip", Key: "1.2.3.4",
	})

	body, ok := resp.Body.(protocol.StatusBody)
	require.True(t, ok)
	item, present := body.Items["1.2.3.4"]
	require.True(t, present)
	assert.Equal(t, float64(4), item.Remaining)
}

func TestStatusWildcardUsesPrefixScan(t *testing.T) {
	bt := bucket.BucketType{Name: "ip", Size: 10, PerInterval: 10, Interval: 1000}
	ev := &fakeEvaluator{statusEntries: []store.StatusEntry{
		{Key: "10.0.1", State: bucket.State{Tokens: 3}},
		{Key: "10.0.2", State: bucket.State{Tokens: 6}},
	}}
	h := newTestHandler(t, bt, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 7, Method: protocol.MethodStatus, Type: "ip", Key: "10.*",
	})

	body, ok := resp.Body.(protocol.StatusBody)
	require.True(t, ok)
	assert.Len(t, body.Items, 2)
}

func TestStoreErrorBecomesErrorBody(t *testing.T) {
	bt := bucket.BucketType{Name: "ip", Size: 10, PerInterval: 10, Interval: 1000}
	ev := &fakeEvaluator{takeErr: assertionErr{"boom"}}
	h := newTestHandler(t, bt, ev)

	resp := h.Handle(context.Background(), &protocol.Request{
		ID: 8, Method: protocol.MethodTake, Type: "ip", Key: "k", Count: 1,
	})

	body, ok := resp.Body.(protocol.ErrorBody)
	require.True(t, ok)
	assert.Equal(t, "STORE_TRANSIENT", body.Kind)
}

type assertionErr struct{ msg string }

func (e assertionErr) Error() string { return e.msg }
