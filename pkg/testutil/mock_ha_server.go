// Package testutil provides a mock Home Assistant WebSocket server and a
// small harness for end-to-end scheduler tests.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MockHAServer simulates the parts of the Home Assistant WebSocket API a
// switchable entity needs: auth, get_states and call_service.
type MockHAServer struct {
	server       *httptest.Server
	token        string
	states       map[string]*EntityState
	statesMu     sync.RWMutex
	serviceCalls []ServiceCall
	callsMu      sync.Mutex
	failures     map[string]*Error
	failMu       sync.Mutex
	connections  int
	connsMu      sync.Mutex
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is an error result
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// CallServiceRequest represents a service call
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// NewMockHAServer starts a mock server on a random local port
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:    token,
		states:   make(map[string]*EntityState),
		failures: make(map[string]*Error),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL is the WebSocket endpoint of the server
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop stops the mock server
func (s *MockHAServer) Stop() {
	s.server.CloseClientConnections()
	s.server.Close()
}

// Connections returns how many clients have authenticated so far
func (s *MockHAServer) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.connections
}

// SetState sets the raw state of an entity
func (s *MockHAServer) SetState(entityID, state string) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	now := time.Now()
	attrs := map[string]interface{}{}
	if old, ok := s.states[entityID]; ok {
		attrs = old.Attributes
	}
	s.states[entityID] = &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attrs,
		LastChanged: now,
		LastUpdated: now,
	}
}

// GetState retrieves a state, or nil if the entity does not exist
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()

	state, ok := s.states[entityID]
	if !ok {
		return nil
	}
	copied := *state
	return &copied
}

// FailService makes every call to domain.service return an error result
func (s *MockHAServer) FailService(domain, service, code, message string) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures[domain+"."+service] = &Error{Code: code, Message: message}
}

func (s *MockHAServer) failure(domain, service string) *Error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures[domain+"."+service]
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	conn.WriteJSON(Message{Type: "auth_required"})

	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		return
	}
	if authMsg.AccessToken != s.token {
		conn.WriteJSON(Message{Type: "auth_invalid"})
		return
	}
	conn.WriteJSON(Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections++
	s.connsMu.Unlock()

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var baseMsg struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &baseMsg); err != nil {
			continue
		}

		switch baseMsg.Type {
		case "get_states":
			conn.WriteJSON(s.getStates(baseMsg.ID))
		case "call_service":
			conn.WriteJSON(s.callService(msg))
		default:
			success := false
			conn.WriteJSON(Message{
				ID:      baseMsg.ID,
				Type:    "result",
				Success: &success,
				Error:   &Error{Code: "unknown_command", Message: "Unknown command."},
			})
		}
	}
}

func (s *MockHAServer) getStates(id int) Message {
	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	statesJSON, _ := json.Marshal(states)
	s.statesMu.RUnlock()

	success := true
	return Message{ID: id, Type: "result", Success: &success, Result: statesJSON}
}

func (s *MockHAServer) callService(raw json.RawMessage) Message {
	var req CallServiceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return Message{Type: "result"}
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	if fail := s.failure(req.Domain, req.Service); fail != nil {
		success := false
		return Message{ID: req.ID, Type: "result", Success: &success, Error: fail}
	}

	entityID, _ := req.ServiceData["entity_id"].(string)
	switch req.Domain {
	case "light", "switch", "input_boolean":
		if s.GetState(entityID) != nil {
			switch req.Service {
			case "turn_on":
				s.SetState(entityID, "on")
			case "turn_off":
				s.SetState(entityID, "off")
			}
		}
	default:
		// Acknowledge unknown domains to prevent timeouts
	}

	success := true
	return Message{ID: req.ID, Type: "result", Success: &success}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// CountServiceCalls counts service calls matching criteria
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	return len(FilterServiceCalls(s.GetServiceCalls(), domain, service))
}
