// Package ha drives a light or switch entity over the Home Assistant
// WebSocket API.
package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"outletscheduler/internal/actuation"
	"outletscheduler/internal/faults"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultTimeout bounds each request when the caller's context has no deadline.
const DefaultTimeout = 10 * time.Second

// Client is a Home Assistant WebSocket client. It connects on first use
// and reconnects on the next request after the connection drops.
type Client struct {
	url     string
	token   string
	timeout time.Duration
	logger  *zap.Logger

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected bool
	done      chan struct{}

	msgID   int
	msgIDMu sync.Mutex

	pending   map[int]chan Message
	pendingMu sync.Mutex

	writeMu sync.Mutex
}

var _ actuation.Device = (*Client)(nil)

// NewClient creates a client for the WebSocket endpoint url
// (for example ws://homeassistant.local:8123/api/websocket).
func NewClient(url, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:     url,
		token:   token,
		timeout: timeout,
		logger:  logger.Named("ha"),
		pending: make(map[int]chan Message),
	}
}

// Connect establishes the WebSocket connection and authenticates.
// It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected {
		return nil
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.timeout
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	c.logger.Info("Connected to Home Assistant")

	go c.receiveMessages(conn, c.done)
	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.timeout))
	defer conn.SetReadDeadline(time.Time{})

	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch authResponse.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.done)

	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.conn = nil
	c.logger.Info("Disconnected from Home Assistant")
	return err
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// send writes a request with id and waits for its result
func (c *Client) send(ctx context.Context, id int, msg interface{}) (*Message, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.connMu.Lock()
	conn, done := c.conn, c.done
	c.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout waiting for response: %w", ctx.Err())
	case <-done:
		return nil, fmt.Errorf("connection lost")
	}
}

// receiveMessages routes results to waiting requests until the
// connection fails or Disconnect is called.
func (c *Client) receiveMessages(conn *websocket.Conn, done chan struct{}) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-done:
			default:
				c.logger.Warn("Connection lost", zap.Error(err))
				c.dropConnection(conn)
			}
			return
		}

		if msg.ID == 0 {
			continue
		}
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.ID]; ok {
			select {
			case ch <- msg:
			default:
				c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
			}
		}
		c.pendingMu.Unlock()
	}
}

func (c *Client) dropConnection(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != conn || !c.connected {
		return
	}
	c.connected = false
	close(c.done)
	c.conn.Close()
	c.conn = nil
}

// GetState retrieves the state of an entity
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	states, err := c.GetAllStates(ctx)
	if err != nil {
		return nil, err
	}

	for _, state := range states {
		if state.EntityID == entityID {
			return state, nil
		}
	}

	return nil, fmt.Errorf("entity %s not found", entityID)
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates(ctx context.Context) ([]*State, error) {
	id := c.nextMsgID()
	resp, err := c.send(ctx, id, &GetStatesRequest{ID: id, Type: "get_states"})
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}
	return states, nil
}

// CallService calls a Home Assistant service
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]interface{}) error {
	id := c.nextMsgID()
	_, err := c.send(ctx, id, &CallServiceRequest{
		ID:          id,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	return err
}

// PowerState reports whether the entity is on, off or unreachable.
// Home Assistant's unavailable and unknown states count as unreachable.
func (c *Client) PowerState(ctx context.Context, entityID string) (actuation.PowerState, error) {
	state, err := c.GetState(ctx, entityID)
	if err != nil {
		return actuation.PowerUnreachable, err
	}
	return powerFromState(state.State)
}

func powerFromState(s string) (actuation.PowerState, error) {
	switch s {
	case StateOn:
		return actuation.PowerOn, nil
	case StateOff:
		return actuation.PowerOff, nil
	case StateUnavailable, StateUnknown:
		return actuation.PowerUnreachable, faults.ErrUnreachable
	default:
		return actuation.PowerUnreachable, fmt.Errorf("unexpected entity state %q", s)
	}
}

// SetPower calls <domain>.turn_on or <domain>.turn_off on the entity.
func (c *Client) SetPower(ctx context.Context, entityID string, on bool) error {
	domain, err := Domain(entityID)
	if err != nil {
		return err
	}

	service := "turn_off"
	if on {
		service = "turn_on"
	}
	c.logger.Debug("Calling service",
		zap.String("service", domain+"."+service),
		zap.String("entity_id", entityID))

	return c.CallService(ctx, domain, service, map[string]interface{}{
		"entity_id": entityID,
	})
}

// Domain returns the domain part of an entity id ("light" for "light.porch").
func Domain(entityID string) (string, error) {
	domain, name, ok := strings.Cut(entityID, ".")
	if !ok || domain == "" || name == "" {
		return "", fmt.Errorf("invalid entity id %q", entityID)
	}
	return domain, nil
}
