package ha

import (
	"context"
	"fmt"
	"sync"
	"time"

	"outletscheduler/internal/actuation"
)

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// MockClient is an in-memory actuation.Device that mirrors how Home
// Assistant reports and switches entities.
type MockClient struct {
	states   map[string]*State
	statesMu sync.RWMutex

	serviceCalls []ServiceCall
	callsMu      sync.Mutex

	readErr error
	callErr error
	errMu   sync.Mutex
}

var _ actuation.Device = (*MockClient)(nil)

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states: make(map[string]*State),
	}
}

// SetState sets the raw state string of an entity ("on", "off", "unavailable").
func (m *MockClient) SetState(entityID, state string) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	now := time.Now()
	m.states[entityID] = &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  map[string]interface{}{},
		LastChanged: now,
		LastUpdated: now,
	}
}

// GetState returns the entity or an error when it does not exist
func (m *MockClient) GetState(ctx context.Context, entityID string) (*State, error) {
	m.errMu.Lock()
	readErr := m.readErr
	m.errMu.Unlock()
	if readErr != nil {
		return nil, readErr
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	copied := *state
	return &copied, nil
}

// PowerState implements actuation.Device
func (m *MockClient) PowerState(ctx context.Context, entityID string) (actuation.PowerState, error) {
	state, err := m.GetState(ctx, entityID)
	if err != nil {
		return actuation.PowerUnreachable, err
	}
	return powerFromState(state.State)
}

// SetPower implements actuation.Device. The call is recorded and, on
// success, the entity's state follows it.
func (m *MockClient) SetPower(ctx context.Context, entityID string, on bool) error {
	domain, err := Domain(entityID)
	if err != nil {
		return err
	}

	service, state := "turn_off", StateOff
	if on {
		service, state = "turn_on", StateOn
	}

	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    map[string]interface{}{"entity_id": entityID},
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	m.errMu.Lock()
	callErr := m.callErr
	m.errMu.Unlock()
	if callErr != nil {
		return callErr
	}

	m.SetState(entityID, state)
	return nil
}

// FailReads makes every state read return err. A nil err restores reads.
func (m *MockClient) FailReads(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.readErr = err
}

// FailCalls makes every service call return err after it is recorded.
func (m *MockClient) FailCalls(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.callErr = err
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = nil
}
