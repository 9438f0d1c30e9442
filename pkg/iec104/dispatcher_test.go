package iec104

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter captures frames written to it.
type recordingWriter struct {
	mu     sync.Mutex
	frames [][]byte
	times  []time.Time
	failAt int // 1-based write that fails, 0 never
	writes int
}

func (w *recordingWriter) WriteFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.failAt > 0 && w.writes >= w.failAt {
		return errors.New("broken pipe")
	}
	w.frames = append(w.frames, append([]byte(nil), frame...))
	w.times = append(w.times, time.Now())
	return nil
}

func (w *recordingWriter) messages(t *testing.T) []Message {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Message, 0, len(w.frames))
	for _, raw := range w.frames {
		f, err := DecodeFrame(raw)
		require.NoError(t, err)
		msg, err := DecodeASDU(f.ASDU)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func newTestDispatcher(control ControlCapability, termDelay time.Duration) (*CommandDispatcher, *DataPointCache, *Metrics) {
	cache := NewDataPointCache(DefaultPoints())
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewCommandDispatcher(cache, control, termDelay, time.Millisecond, metrics), cache, metrics
}

func singleCommandASDU(ioa uint32, state bool) []byte {
	return EncodeSingleCommand(SingleCommand{CommonAddress: 1, Address: ioa, State: state}, CauseActivation)
}

func TestDispatchSingleCommandConfirmed(t *testing.T) {
	var got []SingleCommand
	control := ControlFuncs{Single: func(cmd SingleCommand) error {
		got = append(got, cmd)
		return nil
	}}
	d, cache, metrics := newTestDispatcher(control, 20*time.Millisecond)

	var transitions []string
	d.trace = func(event, src, dst string) { transitions = append(transitions, dst) }

	w := &recordingWriter{}
	require.NoError(t, d.Dispatch(context.Background(), w, singleCommandASDU(3000, true)))

	require.Len(t, got, 1)
	assert.Equal(t, uint32(3000), got[0].Address)
	assert.True(t, got[0].State)

	p, _ := cache.Get(3000)
	assert.True(t, p.Value.Bool())

	msgs := w.messages(t)
	require.Len(t, msgs, 2)
	con := msgs[0].(SingleCommand)
	term := msgs[1].(SingleCommand)
	assert.Equal(t, CauseActivationCon, con.Cause)
	assert.Equal(t, CauseActivationTerm, term.Cause)
	assert.Equal(t, uint32(3000), con.Address)
	assert.True(t, con.State)
	assert.GreaterOrEqual(t, w.times[1].Sub(w.times[0]), 20*time.Millisecond)

	assert.Equal(t, []string{
		StateCommandParsed, StateHandlerInvoked, StateConfirmSent, StateTerminationSent, StateIdle,
	}, transitions)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.promCommands.WithLabelValues("C_SC_NA_1", CommandConfirmed)))
}

func TestDispatchSetPointConfirmed(t *testing.T) {
	d, cache, _ := newTestDispatcher(nil, time.Millisecond)
	w := &recordingWriter{}

	asdu := EncodeSetPointCommand(SetPointCommand{CommonAddress: 1, Address: 4000, Value: 75}, CauseActivation)
	require.NoError(t, d.Dispatch(context.Background(), w, asdu))

	p, _ := cache.Get(4000)
	assert.InDelta(t, 75.0, p.Value.Float(), 1e-6)

	msgs := w.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, CauseActivationCon, msgs[0].(SetPointCommand).Cause)
	assert.Equal(t, CauseActivationTerm, msgs[1].(SetPointCommand).Cause)
	assert.InDelta(t, 75.0, msgs[1].(SetPointCommand).Value, 1e-6)
}

func TestDispatchRejectedCommandSendsNothing(t *testing.T) {
	control := ControlFuncs{Single: func(SingleCommand) error { return errors.New("interlock") }}
	d, cache, metrics := newTestDispatcher(control, time.Millisecond)

	var transitions []string
	d.trace = func(event, src, dst string) { transitions = append(transitions, dst) }

	w := &recordingWriter{}
	require.NoError(t, d.Dispatch(context.Background(), w, singleCommandASDU(3000, true)))

	assert.Empty(t, w.frames)
	p, _ := cache.Get(3000)
	assert.False(t, p.Value.Bool(), "rejected command must not touch the cache")
	assert.Equal(t, []string{StateCommandParsed, StateHandlerInvoked, StateIdle}, transitions)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.promCommands.WithLabelValues("C_SC_NA_1", CommandRejected)))
}

func TestDispatchPanickingCapabilityIsRejection(t *testing.T) {
	control := ControlFuncs{SetPoint: func(SetPointCommand) error { panic("driver fault") }}
	d, _, _ := newTestDispatcher(control, time.Millisecond)

	w := &recordingWriter{}
	asdu := EncodeSetPointCommand(SetPointCommand{CommonAddress: 1, Address: 4000, Value: 1}, CauseActivation)
	require.NotPanics(t, func() {
		require.NoError(t, d.Dispatch(context.Background(), w, asdu))
	})
	assert.Empty(t, w.frames)
}

func TestDispatchUnknownAddress(t *testing.T) {
	invoked := 0
	control := ControlFuncs{Single: func(SingleCommand) error {
		invoked++
		return nil
	}}
	d, cache, metrics := newTestDispatcher(control, time.Millisecond)
	w := &recordingWriter{}

	require.NoError(t, d.Dispatch(context.Background(), w, singleCommandASDU(9999, true)))

	assert.Equal(t, 1, invoked, "capability is invoked before the address is checked")
	assert.Empty(t, w.frames)
	assert.Equal(t, 14, cache.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.promCommands.WithLabelValues("C_SC_NA_1", CommandUnknownAddress)))
}

func TestDispatchMalformedCommand(t *testing.T) {
	invoked := false
	control := ControlFuncs{Single: func(SingleCommand) error {
		invoked = true
		return nil
	}}
	d, _, metrics := newTestDispatcher(control, time.Millisecond)
	w := &recordingWriter{}

	short := singleCommandASDU(3000, true)[:9]
	require.NoError(t, d.Dispatch(context.Background(), w, short))

	assert.False(t, invoked)
	assert.Empty(t, w.frames)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.promCommands.WithLabelValues("C_SC_NA_1", CommandMalformed)))
}

func TestDispatchIgnoresUnsupportedTypes(t *testing.T) {
	d, _, metrics := newTestDispatcher(nil, time.Millisecond)
	w := &recordingWriter{}

	require.NoError(t, d.Dispatch(context.Background(), w, []byte{0x67, 0x01, 0x06, 0x00, 0x01, 0x00, 0, 0, 0}))
	require.NoError(t, d.Dispatch(context.Background(), w, nil))

	assert.Empty(t, w.frames)
	assert.Equal(t, uint64(1), metrics.Snapshot().UnknownASDUs)
}

func TestInterrogationSendsEveryPoint(t *testing.T) {
	d, cache, metrics := newTestDispatcher(nil, time.Millisecond)
	d.pacing = 2 * time.Millisecond
	cache.Update(1000, FloatValue(480.2))

	w := &recordingWriter{}
	require.NoError(t, d.Dispatch(context.Background(), w, EncodeInterrogation(1, QOIStation, CauseActivation)))

	msgs := w.messages(t)
	require.Len(t, msgs, cache.Len())
	for i, m := range msgs {
		r, ok := m.(PointReport)
		require.True(t, ok)
		assert.Equal(t, CauseInterrogated, r.Cause)
		assert.Equal(t, DefaultPoints()[i].Address, r.Address)
		if i > 0 {
			assert.GreaterOrEqual(t, w.times[i].Sub(w.times[i-1]), 2*time.Millisecond)
		}
	}
	assert.InDelta(t, 480.2, msgs[0].(PointReport).Value.Float(), 1e-3)
	assert.Equal(t, MSpNa1, msgs[10].(PointReport).Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.promGI))
}

func TestInterrogationStopsOnWriteFailure(t *testing.T) {
	d, _, _ := newTestDispatcher(nil, time.Millisecond)
	w := &recordingWriter{failAt: 3}

	err := d.Dispatch(context.Background(), w, EncodeInterrogation(1, QOIStation, CauseActivation))
	require.Error(t, err)
	assert.Len(t, w.frames, 2)
}

func TestCommandTerminationHonoursCancellation(t *testing.T) {
	d, _, _ := newTestDispatcher(nil, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	w := &recordingWriter{}

	done := make(chan error, 1)
	go func() { done <- d.Dispatch(ctx, w, singleCommandASDU(3001, true)) }()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.frames) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dispatch did not return after cancel")
	}
}
