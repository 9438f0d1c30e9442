package iec104

import (
	"github.com/sirupsen/logrus"
)

// ControlCapability executes control commands received from the master.
// A nil error means the command was carried out; the dispatcher then updates
// the cache and confirms the command. Implementations are called from the
// connection goroutine and must be safe for concurrent use when several
// masters are connected.
type ControlCapability interface {
	HandleSingleCommand(cmd SingleCommand) error
	HandleSetPointCommand(cmd SetPointCommand) error
}

// ControlFuncs adapts plain functions to a ControlCapability. A nil function
// accepts the command.
type ControlFuncs struct {
	Single   func(SingleCommand) error
	SetPoint func(SetPointCommand) error
}

func (f ControlFuncs) HandleSingleCommand(cmd SingleCommand) error {
	if f.Single == nil {
		return nil
	}
	return f.Single(cmd)
}

func (f ControlFuncs) HandleSetPointCommand(cmd SetPointCommand) error {
	if f.SetPoint == nil {
		return nil
	}
	return f.SetPoint(cmd)
}

// LogControl accepts every command and only logs it. It is the capability
// used when the deployment does not inject one.
type LogControl struct{}

func (LogControl) HandleSingleCommand(cmd SingleCommand) error {
	logrus.WithFields(logrus.Fields{
		"component": "control",
		"action":    "single_command",
		"ioa":       cmd.Address,
		"state":     BoolValue(cmd.State).String(),
		"select":    cmd.Select,
		"qualifier": cmd.Qualifier,
	}).Info("Single command accepted")
	return nil
}

func (LogControl) HandleSetPointCommand(cmd SetPointCommand) error {
	logrus.WithFields(logrus.Fields{
		"component": "control",
		"action":    "setpoint_command",
		"ioa":       cmd.Address,
		"value":     cmd.Value,
		"select":    cmd.Select,
		"qualifier": cmd.Qualifier,
	}).Info("Set point command accepted")
	return nil
}

var (
	_ ControlCapability = ControlFuncs{}
	_ ControlCapability = LogControl{}
)
