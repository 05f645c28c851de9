package storesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []DispatcherState
}

func (r *stateRecorder) record(state DispatcherState) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []DispatcherState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DispatcherState(nil), r.states...)
}

type topicLog struct {
	mu     sync.Mutex
	topics []string
}

func (l *topicLog) action(topic string) RefreshAction {
	return func(ctx context.Context) error {
		l.mu.Lock()
		l.topics = append(l.topics, topic)
		l.mu.Unlock()
		return nil
	}
}

func (l *topicLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.topics...)
}

func newTestDispatcher(t *testing.T, dial ChannelDialer, recorder *stateRecorder) *Dispatcher {
	t.Helper()
	_, gate := newTestGate(t, newFakeBackend(), time.Second)
	opts := DispatcherOptions{ReconnectDelay: 10 * time.Millisecond}
	if recorder != nil {
		opts.OnStateChange = recorder.record
	}
	dispatcher, err := NewDispatcher(dial, gate, opts)
	require.NoError(t, err)
	t.Cleanup(dispatcher.Stop)
	return dispatcher
}

func TestDispatcherSubscribesAndRefreshesOnMessage(t *testing.T) {
	channel := newFakeChannel()
	dialer := &scriptedDialer{channels: []*fakeChannel{channel}}
	dispatcher := newTestDispatcher(t, dialer.dial, nil)
	log := &topicLog{}
	require.NoError(t, dispatcher.Handle("order-created", log.action("order-created")))
	require.NoError(t, dispatcher.Handle("stock-changed", log.action("stock-changed")))

	require.NoError(t, dispatcher.Start(context.Background()))
	assert.Equal(t, []string{"order-created", "stock-changed"}, <-channel.subscribed)
	require.Eventually(t, func() bool { return dispatcher.State() == StateConnected }, time.Second, 5*time.Millisecond)

	channel.messages <- fakeMessage{topic: "order-created", body: []byte(`{"orderId":"o-1"}`)}
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"order-created"}, log.snapshot())
}

func TestDispatcherProcessesInArrivalOrder(t *testing.T) {
	channel := newFakeChannel()
	dialer := &scriptedDialer{channels: []*fakeChannel{channel}}
	dispatcher := newTestDispatcher(t, dialer.dial, nil)
	log := &topicLog{}
	for _, topic := range []string{"a", "b", "c"} {
		require.NoError(t, dispatcher.Handle(topic, log.action(topic)))
	}
	require.NoError(t, dispatcher.Start(context.Background()))
	<-channel.subscribed

	for _, topic := range []string{"c", "a", "b"} {
		channel.messages <- fakeMessage{topic: topic}
	}
	require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c", "a", "b"}, log.snapshot())
}

func TestDispatcherNeverOverlapsRefreshesForATopic(t *testing.T) {
	channel := newFakeChannel()
	dialer := &scriptedDialer{channels: []*fakeChannel{channel}}
	dispatcher := newTestDispatcher(t, dialer.dial, nil)

	var mu sync.Mutex
	running, maxRunning, runs := 0, 0, 0
	require.NoError(t, dispatcher.Handle("order-created", func(ctx context.Context) error {
		mu.Lock()
		running++
		runs++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}))
	require.NoError(t, dispatcher.Start(context.Background()))
	<-channel.subscribed

	for i := 0; i < 5; i++ {
		channel.messages <- fakeMessage{topic: "order-created"}
		require.True(t, dispatcher.Enqueue(context.Background(), "order-created"))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs > 0 && running == 0 && dispatcher.queue.Depth() == 0
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning)
}

func TestDispatcherRetriesFailedConnect(t *testing.T) {
	channel := newFakeChannel()
	dialer := &scriptedDialer{channels: []*fakeChannel{nil, nil, channel}}
	recorder := &stateRecorder{}
	dispatcher := newTestDispatcher(t, dialer.dial, recorder)
	require.NoError(t, dispatcher.Handle("order-created", (&topicLog{}).action("order-created")))

	require.NoError(t, dispatcher.Start(context.Background()))
	assert.Equal(t, StateDisconnected, dispatcher.State())
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, dispatcher.State())
	assert.Equal(t, 3, dialer.dialCount())
	assert.Equal(t, []DispatcherState{StateConnected}, recorder.snapshot())
}

func TestDispatcherReconnectsAfterTransportError(t *testing.T) {
	first, second := newFakeChannel(), newFakeChannel()
	dialer := &scriptedDialer{channels: []*fakeChannel{first, second}}
	recorder := &stateRecorder{}
	dispatcher := newTestDispatcher(t, dialer.dial, recorder)
	log := &topicLog{}
	require.NoError(t, dispatcher.Handle("order-created", log.action("order-created")))

	require.NoError(t, dispatcher.Start(context.Background()))
	<-first.subscribed
	first.messages <- fakeMessage{err: errors.New("socket reset")}

	assert.Equal(t, []string{"order-created"}, <-second.subscribed)
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, first.isClosed())
	assert.Equal(t, []DispatcherState{StateConnected, StateDisconnected, StateConnected}, recorder.snapshot())

	second.messages <- fakeMessage{topic: "order-created"}
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcherStopTerminates(t *testing.T) {
	channel := newFakeChannel()
	dialer := &scriptedDialer{channels: []*fakeChannel{channel}}
	recorder := &stateRecorder{}
	dispatcher := newTestDispatcher(t, dialer.dial, recorder)
	require.NoError(t, dispatcher.Handle("order-created", (&topicLog{}).action("order-created")))
	require.NoError(t, dispatcher.Start(context.Background()))
	<-channel.subscribed
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	dispatcher.Stop()
	assert.Equal(t, StateTerminated, dispatcher.State())
	assert.True(t, channel.isClosed())
	assert.False(t, dispatcher.Enqueue(context.Background(), "order-created"))
	assert.Error(t, dispatcher.Start(context.Background()))

	dispatcher.Stop()
	states := recorder.snapshot()
	assert.Equal(t, StateTerminated, states[len(states)-1])
	assert.Equal(t, 1, dialer.dialCount())
}

func TestDispatcherStopWhileDisconnected(t *testing.T) {
	dialer := &scriptedDialer{}
	dispatcher := newTestDispatcher(t, dialer.dial, nil)
	require.NoError(t, dispatcher.Start(context.Background()))
	require.Eventually(t, func() bool { return dialer.dialCount() >= 2 }, time.Second, 5*time.Millisecond)

	dispatcher.Stop()
	assert.Equal(t, StateTerminated, dispatcher.State())
	count := dialer.dialCount()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, count, dialer.dialCount(), "no reconnects after stop")
}

func TestDispatcherReconnectWaitOnlyEndsWithContext(t *testing.T) {
	dispatcher := newTestDispatcher(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 20; i++ {
		require.True(t, dispatcher.waitReconnect(ctx), "attempt %d", i)
	}
	cancel()
	assert.False(t, dispatcher.waitReconnect(ctx))
}

func TestDispatcherWithoutDialerRunsTriggers(t *testing.T) {
	dispatcher := newTestDispatcher(t, nil, nil)
	log := &topicLog{}
	require.NoError(t, dispatcher.Handle("order-created", log.action("order-created")))
	require.NoError(t, dispatcher.Start(context.Background()))

	require.True(t, dispatcher.Enqueue(context.Background(), "order-created"))
	require.True(t, dispatcher.Enqueue(context.Background(), "unknown-topic"))
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, dispatcher.State())
}

func TestDispatcherHandleValidation(t *testing.T) {
	dispatcher := newTestDispatcher(t, nil, nil)
	assert.ErrorIs(t, dispatcher.Handle(" ", (&topicLog{}).action("x")), ErrInvalidInput)
	assert.ErrorIs(t, dispatcher.Handle("x", nil), ErrInvalidInput)
	require.NoError(t, dispatcher.Start(context.Background()))
	assert.Error(t, dispatcher.Handle("late", (&topicLog{}).action("late")))
	assert.Error(t, dispatcher.Start(context.Background()))
}

func TestDispatcherStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "state(9)", DispatcherState(9).String())
}
