package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/meshbox/internal/mesherr"
	"github.com/spin-stack/meshbox/internal/otdaemon"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string

	opErr error
	// hang leaves operations unresolved to exercise the wait timeout.
	hang bool

	countryCode string
	overridden  bool
}

func (f *fakeController) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeController) finish(done func(error)) {
	if f.hang {
		return
	}
	done(f.opErr)
}

func (f *fakeController) SetEnabled(ctx context.Context, enabled bool, done func(error)) {
	f.record("setEnabled %v", enabled)
	f.finish(done)
}

func (f *fakeController) Join(ctx context.Context, dataset []byte, done func(error)) {
	f.record("join %x", dataset)
	f.finish(done)
}

func (f *fakeController) Leave(ctx context.Context, done func(error)) {
	f.record("leave")
	f.finish(done)
}

func (f *fakeController) ScheduleMigration(ctx context.Context, dataset []byte, delay time.Duration, done func(error)) {
	f.record("migrate %x %s", dataset, delay)
	f.finish(done)
}

func (f *fakeController) ForceStopDaemon(ctx context.Context, stop bool, done func(error)) {
	f.record("forceStop %v", stop)
	f.finish(done)
}

func (f *fakeController) ForceCountryCode(ctx context.Context, enabled bool, code string) error {
	f.record("forceCountryCode %v %s", enabled, code)
	if enabled {
		f.countryCode, f.overridden = code, true
	} else {
		f.countryCode, f.overridden = "WW", false
	}
	return f.opErr
}

func (f *fakeController) GetCountryCode(ctx context.Context) (string, bool, error) {
	return f.countryCode, f.overridden, f.opErr
}

func (f *fakeController) GetChannelMasks(ctx context.Context) (otdaemon.ChannelMasks, error) {
	return otdaemon.ChannelMasks{SupportedMask: 0x07fff800, PreferredMask: 0x800}, f.opErr
}

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestServer(t *testing.T, ctrl *fakeController) *Client {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "meshbox.sock")
	srv, err := NewServer(socket, ctrl)
	require.NoError(t, err)
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(srv.Close)

	client, err := DialClient(socket, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestVerbsReachController(t *testing.T) {
	ctrl := &fakeController{countryCode: "WW"}
	client := newTestServer(t, ctrl)
	ctx := context.Background()

	_, err := client.Call(ctx, Request{Verb: VerbEnable})
	require.NoError(t, err)
	_, err = client.Call(ctx, Request{Verb: VerbDisable})
	require.NoError(t, err)
	_, err = client.Call(ctx, Request{Verb: VerbJoin, DatasetHex: "0e0800"})
	require.NoError(t, err)
	_, err = client.Call(ctx, Request{Verb: VerbLeave})
	require.NoError(t, err)
	_, err = client.Call(ctx, Request{Verb: VerbMigrate, DatasetHex: "0e08", DelaySeconds: 30})
	require.NoError(t, err)
	_, err = client.Call(ctx, Request{Verb: VerbForceStopDaemon, Enabled: true})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"setEnabled true",
		"setEnabled false",
		"join 0e0800",
		"leave",
		"migrate 0e08 30s",
		"forceStop true",
	}, ctrl.recorded())
}

func TestCountryCodeRoundTrip(t *testing.T) {
	ctrl := &fakeController{countryCode: "WW"}
	client := newTestServer(t, ctrl)
	ctx := context.Background()

	_, err := client.Call(ctx, Request{Verb: VerbForceCountryCode, Enabled: true, CountryCode: "GB"})
	require.NoError(t, err)

	resp, err := client.Call(ctx, Request{Verb: VerbGetCountryCode})
	require.NoError(t, err)
	var result CountryCodeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "GB", result.CountryCode)
	assert.True(t, result.Overridden)
}

func TestChannelMasks(t *testing.T) {
	client := newTestServer(t, &fakeController{})

	resp, err := client.Call(context.Background(), Request{Verb: VerbGetChannelMasks})
	require.NoError(t, err)
	var result ChannelMasksResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, uint32(0x07fff800), result.SupportedMask)
}

func TestOperationErrorIsMapped(t *testing.T) {
	ctrl := &fakeController{opErr: fmt.Errorf("cannot join: %w", mesherr.ErrThreadDisabled)}
	client := newTestServer(t, ctrl)

	_, err := client.Call(context.Background(), Request{Verb: VerbJoin, DatasetHex: "0e08"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mesherr.ErrThreadDisabled)
	assert.Contains(t, err.Error(), "cannot join")
}

func TestHangingOperationTimesOut(t *testing.T) {
	ctrl := &fakeController{hang: true}
	client := newTestServer(t, ctrl)

	start := time.Now()
	_, err := client.Call(context.Background(), Request{Verb: VerbLeave})
	require.Error(t, err)
	assert.ErrorIs(t, err, mesherr.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), DefaultOperationTimeout)
}

func TestBadDatasetHexRejected(t *testing.T) {
	client := newTestServer(t, &fakeController{})

	_, err := client.Call(context.Background(), Request{Verb: VerbJoin, DatasetHex: "zz"})
	assert.ErrorIs(t, err, mesherr.ErrResponseBadFormat)

	_, err = client.Call(context.Background(), Request{Verb: VerbJoin})
	assert.ErrorIs(t, err, mesherr.ErrFailedPrecondition)
}

func TestUnknownVerbRejected(t *testing.T) {
	client := newTestServer(t, &fakeController{})

	_, err := client.Call(context.Background(), Request{Verb: "frobnicate"})
	assert.ErrorIs(t, err, mesherr.ErrUnsupportedOperation)
}
