// Package actuation reads the controlled device and issues power commands
// only when the decided state differs from the current one.
package actuation

import (
	"context"

	"outletscheduler/internal/decision"
	"outletscheduler/internal/faults"

	"go.uber.org/zap"
)

// PowerState is the device's reported power.
type PowerState string

const (
	PowerOn          PowerState = "on"
	PowerOff         PowerState = "off"
	PowerUnreachable PowerState = "unreachable"
)

// Device is a switchable light or outlet.
type Device interface {
	PowerState(ctx context.Context, deviceID string) (PowerState, error)
	SetPower(ctx context.Context, deviceID string, on bool) error
}

// Action is what the gateway did with a decision.
type Action string

const (
	ActionNone    Action = "none"
	ActionTurnOn  Action = "turn_on"
	ActionTurnOff Action = "turn_off"
)

// Result describes one Apply call.
type Result struct {
	DeviceID string     `json:"device_id"`
	Previous PowerState `json:"previous,omitempty"`
	Action   Action     `json:"action"`
	// Sent is false when the action was only logged in read-only mode.
	Sent bool `json:"sent"`
}

// Gateway owns the device handle for one device id.
type Gateway struct {
	device   Device
	deviceID string
	readOnly bool
	logger   *zap.Logger
}

// NewGateway creates a gateway. In read-only mode commands are logged
// instead of sent.
func NewGateway(device Device, deviceID string, readOnly bool, logger *zap.Logger) *Gateway {
	return &Gateway{
		device:   device,
		deviceID: deviceID,
		readOnly: readOnly,
		logger:   logger.Named("actuation").With(zap.String("device_id", deviceID)),
	}
}

// DeviceID returns the controlled device id.
func (g *Gateway) DeviceID() string {
	return g.deviceID
}

// Apply brings the device to the decision's target. Failures are returned
// as *faults.ActuatorError and are not retried.
func (g *Gateway) Apply(ctx context.Context, d decision.Decision) (Result, error) {
	res := Result{DeviceID: g.deviceID, Action: ActionNone}

	if d.Target == decision.TargetNoChange {
		g.logger.Info("Automation paused, leaving device untouched", zap.String("reason", d.Reason))
		return res, nil
	}

	current, err := g.device.PowerState(ctx, g.deviceID)
	if err == nil && current == PowerUnreachable {
		err = faults.ErrUnreachable
	}
	if err != nil {
		res.Previous = PowerUnreachable
		g.logger.Error("Could not reach device", zap.Error(err))
		return res, &faults.ActuatorError{DeviceID: g.deviceID, Op: "read state", Err: err}
	}
	res.Previous = current

	switch {
	case current == PowerOff && d.Target == decision.TargetOn:
		res.Action = ActionTurnOn
	case current == PowerOn && d.Target == decision.TargetOff:
		res.Action = ActionTurnOff
	default:
		g.logger.Info("Device already in target state",
			zap.String("state", string(current)),
			zap.String("target", string(d.Target)))
		return res, nil
	}

	if g.readOnly {
		g.logger.Info("READ-ONLY mode, not sending command",
			zap.String("action", string(res.Action)),
			zap.String("reason", d.Reason))
		return res, nil
	}

	on := res.Action == ActionTurnOn
	g.logger.Info("Sending power command",
		zap.String("action", string(res.Action)),
		zap.String("reason", d.Reason))
	if err := g.device.SetPower(ctx, g.deviceID, on); err != nil {
		g.logger.Error("Power command failed", zap.Error(err))
		return res, &faults.ActuatorError{DeviceID: g.deviceID, Op: string(res.Action), Err: err}
	}
	res.Sent = true
	return res, nil
}
