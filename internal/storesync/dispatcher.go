package storesync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

const defaultReconnectDelay = 5 * time.Second

type DispatcherState int

const (
	StateDisconnected DispatcherState = iota
	StateConnected
	StateTerminated
)

func (s DispatcherState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Channel is one live push-channel connection.
type Channel interface {
	Subscribe(ctx context.Context, topics []string) error
	// Receive blocks for the next message. Any error is a transport error
	// and ends the connection.
	Receive(ctx context.Context) (topic string, body []byte, err error)
	// Close unsubscribes and disposes the connection. It may be called more
	// than once.
	Close() error
}

// ChannelDialer opens a push channel. A dispatcher without a dialer only
// processes triggers injected through Enqueue.
type ChannelDialer func(ctx context.Context) (Channel, error)

// RefreshAction re-fetches whatever a topic invalidates.
type RefreshAction func(ctx context.Context) error

type DispatcherOptions struct {
	ReconnectDelay time.Duration
	QueueCapacity  int
	Logger         zerolog.Logger
	OnStateChange  func(DispatcherState)
}

// Dispatcher turns push notifications into targeted refreshes. Messages are
// processed one at a time in arrival order, and each topic's refresh runs
// through the FetchGate under the key "latest:<topic>".
type Dispatcher struct {
	dial          ChannelDialer
	gate          *FetchGate
	backoff       *backoff.ConstantBackOff
	queue         *eventQueue
	logger        zerolog.Logger
	onStateChange func(DispatcherState)

	mu      sync.Mutex
	actions map[string]RefreshAction
	state   DispatcherState
	started bool
	channel Channel
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(dial ChannelDialer, gate *FetchGate, opts DispatcherOptions) (*Dispatcher, error) {
	if gate == nil {
		return nil, fmt.Errorf("fetch gate is required")
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	return &Dispatcher{
		dial:          dial,
		gate:          gate,
		backoff:       backoff.NewConstantBackOff(delay),
		queue:         newEventQueue(opts.QueueCapacity),
		logger:        opts.Logger,
		onStateChange: opts.OnStateChange,
		actions:       map[string]RefreshAction{},
		state:         StateDisconnected,
	}, nil
}

// Handle registers the refresh action for topic. Topics must be registered
// before Start; they are subscribed on every (re)connect.
func (d *Dispatcher) Handle(topic string, action RefreshAction) error {
	topic = strings.TrimSpace(topic)
	if topic == "" || action == nil {
		return newSyncError("handle", topic, ErrInvalidInput, nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.actions[topic] = action
	return nil
}

func (d *Dispatcher) Topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	topics := make([]string, 0, len(d.actions))
	for topic := range d.actions {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (d *Dispatcher) State() DispatcherState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start activates the dispatcher. It returns immediately; connection and
// message processing run in the background until Stop or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state == StateTerminated {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher terminated")
	}
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	if d.dial != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.connectLoop(runCtx)
		}()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.processLoop(runCtx)
	}()
	return nil
}

// Stop terminates the dispatcher from any state: the channel is closed, the
// background loops exit, and no further transitions happen.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.state == StateTerminated {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	channel := d.channel
	d.channel = nil
	d.mu.Unlock()

	d.setState(StateTerminated)
	if cancel != nil {
		cancel()
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			d.logger.Debug().Err(err).Msg("closing push channel")
		}
	}
	d.wg.Wait()
}

// Enqueue injects a trigger as if it had arrived on the channel.
func (d *Dispatcher) Enqueue(ctx context.Context, topic string) bool {
	if d.State() == StateTerminated {
		return false
	}
	return d.queue.Enqueue(ctx, Event{Topic: topic})
}

func (d *Dispatcher) setState(next DispatcherState) {
	d.mu.Lock()
	if d.state == next || (d.state == StateTerminated && next != StateTerminated) {
		d.mu.Unlock()
		return
	}
	d.state = next
	hook := d.onStateChange
	d.mu.Unlock()
	d.logger.Info().Str("state", next.String()).Msg("push channel state changed")
	if hook != nil {
		hook(next)
	}
}

func (d *Dispatcher) connectLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		channel, err := d.connect(ctx)
		if err != nil {
			d.logger.Warn().Err(err).Msg("push channel connect failed")
			if !d.waitReconnect(ctx) {
				return
			}
			continue
		}
		d.setState(StateConnected)
		err = d.readLoop(ctx, channel)
		d.mu.Lock()
		if d.channel == channel {
			d.channel = nil
		}
		d.mu.Unlock()
		_ = channel.Close()
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn().Err(err).Msg("push channel transport error")
		d.setState(StateDisconnected)
		if !d.waitReconnect(ctx) {
			return
		}
	}
}

func (d *Dispatcher) connect(ctx context.Context) (Channel, error) {
	channel, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := channel.Subscribe(ctx, d.Topics()); err != nil {
		_ = channel.Close()
		return nil, err
	}
	d.mu.Lock()
	if d.state == StateTerminated {
		d.mu.Unlock()
		_ = channel.Close()
		return nil, fmt.Errorf("dispatcher terminated")
	}
	d.channel = channel
	d.mu.Unlock()
	return channel, nil
}

func (d *Dispatcher) readLoop(ctx context.Context, channel Channel) error {
	for {
		topic, body, err := channel.Receive(ctx)
		if err != nil {
			return err
		}
		if !d.queue.Enqueue(ctx, Event{Topic: topic, Body: body}) {
			return ctx.Err()
		}
	}
}

// waitReconnect waits one backoff tick. The delay is constant and never
// runs out, so only ctx ending stops the reconnect loop.
func (d *Dispatcher) waitReconnect(ctx context.Context) bool {
	timer := time.NewTimer(d.backoff.NextBackOff())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (d *Dispatcher) processLoop(ctx context.Context) {
	for {
		event, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		d.handle(ctx, event)
	}
}

func (d *Dispatcher) handle(ctx context.Context, event Event) {
	d.mu.Lock()
	action, ok := d.actions[event.Topic]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug().Str("topic", event.Topic).Msg("no refresh action for topic")
		return
	}
	_, _, err := d.gate.Do(ctx, "latest:"+event.Topic, func(ctx context.Context) (any, error) {
		return nil, action(ctx)
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("topic", event.Topic).Msg("refresh failed")
		return
	}
	d.logger.Debug().Str("topic", event.Topic).Msg("refresh completed")
}
