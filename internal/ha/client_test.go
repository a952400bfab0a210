package ha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"outletscheduler/internal/actuation"
	"outletscheduler/internal/faults"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	err := conn.WriteJSON(Message{Type: "auth_required"})
	require.NoError(t, err)

	var authMsg AuthMessage
	err = conn.ReadJSON(&authMsg)
	require.NoError(t, err)
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	err = conn.WriteJSON(Message{Type: "auth_ok"})
	require.NoError(t, err)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// replyStates answers one get_states request with states
func replyStates(t *testing.T, conn *websocket.Conn, states []State) {
	var req GetStatesRequest
	require.NoError(t, conn.ReadJSON(&req))
	assert.Equal(t, "get_states", req.Type)

	result, err := json.Marshal(states)
	require.NoError(t, err)
	success := true
	require.NoError(t, conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &success, Result: result}))
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("successful connection", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, time.Second, logger)

		err := client.Connect(context.Background())
		assert.NoError(t, err)
		assert.True(t, client.IsConnected())

		// Second connect is a no-op
		assert.NoError(t, client.Connect(context.Background()))

		assert.NoError(t, client.Disconnect())
		assert.False(t, client.IsConnected())
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})

			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)

			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), "wrong_token", time.Second, logger)

		err := client.Connect(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("unexpected greeting", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "hello"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, time.Second, logger)

		err := client.Connect(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "expected auth_required")
	})

	t.Run("server down", func(t *testing.T) {
		client := NewClient("ws://127.0.0.1:1/api/websocket", token, time.Second, logger)
		err := client.Connect(context.Background())
		assert.Error(t, err)
	})
}

func TestClient_GetState(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		replyStates(t, conn, []State{
			{EntityID: "light.porch", State: "on"},
			{EntityID: "switch.garden", State: "off"},
		})
		replyStates(t, conn, []State{{EntityID: "light.porch", State: "on"}})
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, time.Second, logger)
	defer client.Disconnect()

	state, err := client.GetState(context.Background(), "switch.garden")
	require.NoError(t, err)
	assert.Equal(t, "off", state.State)

	_, err = client.GetState(context.Background(), "light.missing")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestClient_PowerState(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	tests := []struct {
		state   string
		want    actuation.PowerState
		wantErr bool
	}{
		{"on", actuation.PowerOn, false},
		{"off", actuation.PowerOff, false},
		{"unavailable", actuation.PowerUnreachable, true},
		{"unknown", actuation.PowerUnreachable, true},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			server := mockHAServer(t, func(conn *websocket.Conn) {
				standardAuthFlow(t, conn, token)
				replyStates(t, conn, []State{{EntityID: "light.porch", State: tt.state}})
				time.Sleep(100 * time.Millisecond)
			})
			defer server.Close()

			client := NewClient(wsURL(server), token, time.Second, logger)
			defer client.Disconnect()

			got, err := client.PowerState(context.Background(), "light.porch")
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.ErrorIs(t, err, faults.ErrUnreachable)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClient_SetPower(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("turn on switch", func(t *testing.T) {
		received := make(chan CallServiceRequest, 1)
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)

			var req CallServiceRequest
			require.NoError(t, conn.ReadJSON(&req))
			received <- req

			success := true
			conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &success})
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, time.Second, logger)
		defer client.Disconnect()

		err := client.SetPower(context.Background(), "switch.garden", true)
		require.NoError(t, err)

		req := <-received
		assert.Equal(t, "call_service", req.Type)
		assert.Equal(t, "switch", req.Domain)
		assert.Equal(t, "turn_on", req.Service)
		assert.Equal(t, "switch.garden", req.ServiceData["entity_id"])
	})

	t.Run("service error", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)

			var req CallServiceRequest
			conn.ReadJSON(&req)

			success := false
			conn.WriteJSON(Message{
				ID:      req.ID,
				Type:    "result",
				Success: &success,
				Error:   &Error{Code: "not_found", Message: "Service not found"},
			})
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, time.Second, logger)
		defer client.Disconnect()

		err := client.SetPower(context.Background(), "light.porch", false)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not_found")
	})

	t.Run("no response", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			var req CallServiceRequest
			conn.ReadJSON(&req)
			time.Sleep(300 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, 50*time.Millisecond, logger)
		defer client.Disconnect()

		err := client.SetPower(context.Background(), "light.porch", true)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})

	t.Run("invalid entity id", func(t *testing.T) {
		client := NewClient("ws://127.0.0.1:1", token, time.Second, logger)
		err := client.SetPower(context.Background(), "porch", true)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid entity id")
	})
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	var connections atomic.Int32
	server := mockHAServer(t, func(conn *websocket.Conn) {
		connections.Add(1)
		standardAuthFlow(t, conn, token)
		replyStates(t, conn, []State{{EntityID: "light.porch", State: "off"}})
		// Returning closes the connection
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, time.Second, logger)
	defer client.Disconnect()

	state, err := client.PowerState(context.Background(), "light.porch")
	require.NoError(t, err)
	assert.Equal(t, actuation.PowerOff, state)

	require.Eventually(t, func() bool { return !client.IsConnected() }, time.Second, 10*time.Millisecond)

	state, err = client.PowerState(context.Background(), "light.porch")
	require.NoError(t, err)
	assert.Equal(t, actuation.PowerOff, state)
	assert.Equal(t, int32(2), connections.Load())
}

func TestDomain(t *testing.T) {
	domain, err := Domain("light.living_room")
	require.NoError(t, err)
	assert.Equal(t, "light", domain)

	for _, bad := range []string{"", "light", ".porch", "light."} {
		_, err := Domain(bad)
		assert.Error(t, err, bad)
	}
}

func TestMockClient(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()
	mock.SetState("light.porch", StateOff)

	state, err := mock.PowerState(ctx, "light.porch")
	require.NoError(t, err)
	assert.Equal(t, actuation.PowerOff, state)

	require.NoError(t, mock.SetPower(ctx, "light.porch", true))
	state, err = mock.PowerState(ctx, "light.porch")
	require.NoError(t, err)
	assert.Equal(t, actuation.PowerOn, state)

	calls := mock.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "light", calls[0].Domain)
	assert.Equal(t, "turn_on", calls[0].Service)
	assert.Equal(t, "light.porch", calls[0].Data["entity_id"])

	mock.FailReads(errors.New("boom"))
	state, err = mock.PowerState(ctx, "light.porch")
	assert.Error(t, err)
	assert.Equal(t, actuation.PowerUnreachable, state)
	mock.FailReads(nil)

	mock.FailCalls(errors.New("denied"))
	assert.Error(t, mock.SetPower(ctx, "light.porch", false))
	state, _ = mock.PowerState(ctx, "light.porch")
	assert.Equal(t, actuation.PowerOn, state, "failed call leaves state unchanged")
	assert.Len(t, mock.GetServiceCalls(), 2)

	mock.ClearServiceCalls()
	assert.Empty(t, mock.GetServiceCalls())

	mock.SetState("switch.garden", StateUnavailable)
	_, err = mock.PowerState(ctx, "switch.garden")
	assert.ErrorIs(t, err, faults.ErrUnreachable)
}
