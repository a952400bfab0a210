package mqttdevice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"outletscheduler/internal/actuation"
	"outletscheduler/internal/faults"

	"go.uber.org/zap"
)

// DefaultTimeout is how long the outlet waits for a stat reply.
const DefaultTimeout = 5 * time.Second

// Outlet implements actuation.Device for Tasmota firmware. Commands go to
// cmnd/<id>/POWER and the outlet answers on stat/<id>/POWER with ON or OFF.
// An empty command payload asks for the current state.
type Outlet struct {
	broker  Broker
	prefix  string
	timeout time.Duration
	logger  *zap.Logger

	mu         sync.Mutex
	subscribed map[string]bool
	waiters    map[string][]chan actuation.PowerState
}

var _ actuation.Device = (*Outlet)(nil)

// NewOutlet creates an outlet driver. A non-empty prefix is prepended to
// both topics ("home" gives home/cmnd/<id>/POWER).
func NewOutlet(broker Broker, prefix string, timeout time.Duration, logger *zap.Logger) *Outlet {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Outlet{
		broker:     broker,
		prefix:     strings.Trim(prefix, "/"),
		timeout:    timeout,
		logger:     logger.Named("mqttdevice"),
		subscribed: make(map[string]bool),
		waiters:    make(map[string][]chan actuation.PowerState),
	}
}

// CommandTopic is where power commands for deviceID are published.
func (o *Outlet) CommandTopic(deviceID string) string {
	return o.topic("cmnd", deviceID)
}

// StatTopic is where deviceID reports its power.
func (o *Outlet) StatTopic(deviceID string) string {
	return o.topic("stat", deviceID)
}

func (o *Outlet) topic(kind, deviceID string) string {
	t := fmt.Sprintf("%s/%s/POWER", kind, deviceID)
	if o.prefix != "" {
		t = o.prefix + "/" + t
	}
	return t
}

// PowerState queries the outlet and waits for its reply.
func (o *Outlet) PowerState(ctx context.Context, deviceID string) (actuation.PowerState, error) {
	state, err := o.request(ctx, deviceID, nil)
	if err != nil {
		return actuation.PowerUnreachable, err
	}
	return state, nil
}

// SetPower switches the outlet and waits for it to confirm.
func (o *Outlet) SetPower(ctx context.Context, deviceID string, on bool) error {
	payload, want := "OFF", actuation.PowerOff
	if on {
		payload, want = "ON", actuation.PowerOn
	}

	state, err := o.request(ctx, deviceID, []byte(payload))
	if err != nil {
		return err
	}
	if state != want {
		return fmt.Errorf("outlet %s reported %s after %s", deviceID, state, payload)
	}
	return nil
}

func (o *Outlet) request(ctx context.Context, deviceID string, payload []byte) (actuation.PowerState, error) {
	if err := o.ensureSubscribed(deviceID); err != nil {
		return actuation.PowerUnreachable, err
	}

	reply := make(chan actuation.PowerState, 1)
	o.mu.Lock()
	o.waiters[deviceID] = append(o.waiters[deviceID], reply)
	o.mu.Unlock()
	defer o.removeWaiter(deviceID, reply)

	if err := o.broker.Publish(o.CommandTopic(deviceID), 1, false, payload); err != nil {
		return actuation.PowerUnreachable, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	select {
	case state := <-reply:
		return state, nil
	case <-ctx.Done():
		return actuation.PowerUnreachable, fmt.Errorf("no reply on %s: %w", o.StatTopic(deviceID), faults.ErrUnreachable)
	}
}

func (o *Outlet) ensureSubscribed(deviceID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.subscribed[deviceID] {
		return nil
	}
	if err := o.broker.Subscribe(o.StatTopic(deviceID), 1, o.handleStat(deviceID)); err != nil {
		return err
	}
	o.subscribed[deviceID] = true
	return nil
}

func (o *Outlet) handleStat(deviceID string) MessageHandler {
	return func(topic string, payload []byte) {
		state, ok := ParsePower(payload)
		if !ok {
			o.logger.Warn("Ignoring unexpected power payload",
				zap.String("topic", topic),
				zap.ByteString("payload", payload))
			return
		}

		o.mu.Lock()
		waiters := o.waiters[deviceID]
		delete(o.waiters, deviceID)
		o.mu.Unlock()

		for _, ch := range waiters {
			select {
			case ch <- state:
			default:
			}
		}
	}
}

func (o *Outlet) removeWaiter(deviceID string, reply chan actuation.PowerState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	waiters := o.waiters[deviceID]
	for i, ch := range waiters {
		if ch == reply {
			o.waiters[deviceID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(o.waiters[deviceID]) == 0 {
		delete(o.waiters, deviceID)
	}
}

// Close drops the stat subscriptions.
func (o *Outlet) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	topics := make([]string, 0, len(o.subscribed))
	for id := range o.subscribed {
		topics = append(topics, o.StatTopic(id))
	}
	o.subscribed = make(map[string]bool)
	if len(topics) == 0 {
		return nil
	}
	return o.broker.Unsubscribe(topics...)
}

// ParsePower reads a Tasmota POWER payload.
func ParsePower(payload []byte) (actuation.PowerState, bool) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "1":
		return actuation.PowerOn, true
	case "OFF", "0":
		return actuation.PowerOff, true
	default:
		return actuation.PowerUnreachable, false
	}
}
