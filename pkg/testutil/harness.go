package testutil

import (
	"context"
	"fmt"
	"time"

	"outletscheduler/internal/ha"

	"go.uber.org/zap"
)

// TestEnv is a mock Home Assistant server with a connected client.
type TestEnv struct {
	Server *MockHAServer
	Client *ha.Client
	Logger *zap.Logger
}

// NewTestEnv starts a mock server and connects a client to it.
//
//	env, err := testutil.NewTestEnv("test_token")
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(token string) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	server := NewMockHAServer(token)
	client := ha.NewClient(server.URL(), token, 2*time.Second, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	return &TestEnv{
		Server: server,
		Client: client,
		Logger: logger,
	}, nil
}

// Cleanup disconnects the client and stops the server.
func (e *TestEnv) Cleanup() {
	if e.Client != nil {
		e.Client.Disconnect()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}

// GetServiceCalls returns all service calls made to the mock server.
func (e *TestEnv) GetServiceCalls() []ServiceCall {
	return e.Server.GetServiceCalls()
}
