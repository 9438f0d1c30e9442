package iec104

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Control command life cycle states.
const (
	StateIdle            = "idle"
	StateCommandParsed   = "command_parsed"
	StateHandlerInvoked  = "handler_invoked"
	StateConfirmSent     = "confirm_sent"
	StateTerminationSent = "termination_sent"
)

const (
	eventParse     = "parse"
	eventInvoke    = "invoke"
	eventConfirm   = "confirm"
	eventTerminate = "terminate"
	eventReset     = "reset"
)

// Default pacing used by the dispatcher.
const (
	DefaultCommandTermDelay    = 100 * time.Millisecond
	DefaultInterrogationPacing = 10 * time.Millisecond
)

// CommandDispatcher handles inbound ASDUs: it answers interrogations from the
// cache and runs control commands through the capability, confirming and
// terminating the accepted ones.
type CommandDispatcher struct {
	cache     *DataPointCache
	control   ControlCapability
	termDelay time.Duration
	pacing    time.Duration
	metrics   *Metrics

	// trace observes life cycle transitions; used by tests.
	trace func(event, src, dst string)
}

// NewCommandDispatcher returns a dispatcher. A nil control accepts and logs
// every command.
func NewCommandDispatcher(cache *DataPointCache, control ControlCapability, termDelay, pacing time.Duration, metrics *Metrics) *CommandDispatcher {
	if control == nil {
		control = LogControl{}
	}
	return &CommandDispatcher{
		cache:     cache,
		control:   control,
		termDelay: termDelay,
		pacing:    pacing,
		metrics:   metrics,
	}
}

func newCommandLifecycle(trace func(event, src, dst string)) *fsm.FSM {
	callbacks := fsm.Callbacks{}
	if trace != nil {
		callbacks["enter_state"] = func(_ context.Context, e *fsm.Event) {
			trace(e.Event, e.Src, e.Dst)
		}
	}
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventParse, Src: []string{StateIdle}, Dst: StateCommandParsed},
			{Name: eventInvoke, Src: []string{StateCommandParsed}, Dst: StateHandlerInvoked},
			{Name: eventConfirm, Src: []string{StateHandlerInvoked}, Dst: StateConfirmSent},
			{Name: eventTerminate, Src: []string{StateConfirmSent}, Dst: StateTerminationSent},
			{Name: eventReset, Src: []string{StateCommandParsed, StateHandlerInvoked, StateConfirmSent, StateTerminationSent}, Dst: StateIdle},
		},
		callbacks,
	)
}

func logEntry(w FrameWriter) *logrus.Entry {
	fields := logrus.Fields{"component": "dispatcher"}
	if c, ok := w.(*ClientConnection); ok {
		fields["client_id"] = c.ID.String()
	}
	return logrus.WithFields(fields)
}

// Dispatch handles one inbound ASDU. The returned error is always a write
// failure or a cancelled context; undecodable or unsupported ASDUs are
// dropped and nil is returned.
func (d *CommandDispatcher) Dispatch(ctx context.Context, w FrameWriter, asdu []byte) error {
	if len(asdu) == 0 {
		return nil
	}
	log := logEntry(w)

	msg, err := DecodeASDU(asdu)
	if err != nil {
		t := TypeID(asdu[0])
		if errors.Is(err, ErrUnknownType) {
			d.metrics.UnknownASDU()
			log.WithFields(logrus.Fields{
				"action":  "dispatch",
				"type_id": byte(t),
			}).Debug("Ignoring unsupported ASDU type")
			return nil
		}
		if t == CScNa1 || t == CSeNc1 {
			d.metrics.CommandHandled(t, CommandMalformed)
		}
		log.WithFields(logrus.Fields{
			"action": "decode",
			"type":   t.String(),
			"error":  err,
		}).Warn("Dropping malformed ASDU")
		return nil
	}

	switch m := msg.(type) {
	case InterrogationRequest:
		return d.Interrogate(ctx, w, m)
	case SingleCommand, SetPointCommand:
		return d.runCommand(ctx, w, m)
	default:
		log.WithFields(logrus.Fields{
			"action": "dispatch",
			"type":   msg.TypeID().String(),
		}).Debug("Ignoring monitor direction ASDU from master")
		return nil
	}
}

// Interrogate sends every cached point with cause inrogen, pacing frames
// by the configured delay.
func (d *CommandDispatcher) Interrogate(ctx context.Context, w FrameWriter, req InterrogationRequest) error {
	points := d.cache.GetAll()
	log := logEntry(w).WithField("action", "interrogation")
	log.WithFields(logrus.Fields{
		"common_address": req.CommonAddress,
		"qoi":            req.Qualifier,
		"points":         len(points),
	}).Info("Answering general interrogation")

	for i, p := range points {
		if i > 0 {
			if err := sleepCtx(ctx, d.pacing); err != nil {
				return err
			}
		}
		if err := w.WriteFrame(EncodeFrame(EncodeASDU(p, CauseInterrogated))); err != nil {
			log.WithFields(logrus.Fields{
				"ioa":   p.Address,
				"error": err,
			}).Error("Failed to send interrogation response")
			return fmt.Errorf("interrogation ioa %d: %w", p.Address, err)
		}
	}
	d.metrics.InterrogationAnswered()
	return nil
}

func (d *CommandDispatcher) runCommand(ctx context.Context, w FrameWriter, msg Message) error {
	lc := newCommandLifecycle(d.trace)
	defer func() {
		if lc.Current() != StateIdle {
			d.fire(lc, eventReset)
		}
	}()
	d.fire(lc, eventParse)

	var (
		addr      uint32
		value     Value
		confirm   []byte
		terminate []byte
	)
	switch cmd := msg.(type) {
	case SingleCommand:
		addr, value = cmd.Address, BoolValue(cmd.State)
		confirm = EncodeFrame(EncodeSingleCommand(cmd, CauseActivationCon))
		terminate = EncodeFrame(EncodeSingleCommand(cmd, CauseActivationTerm))
	case SetPointCommand:
		addr, value = cmd.Address, FloatValue(cmd.Value)
		confirm = EncodeFrame(EncodeSetPointCommand(cmd, CauseActivationCon))
		terminate = EncodeFrame(EncodeSetPointCommand(cmd, CauseActivationTerm))
	}
	t := msg.TypeID()
	log := logEntry(w).WithFields(logrus.Fields{
		"action": "command",
		"type":   t.String(),
		"ioa":    addr,
		"value":  value.String(),
	})

	d.fire(lc, eventInvoke)
	if err := d.invoke(msg); err != nil {
		d.metrics.CommandHandled(t, CommandRejected)
		log.WithField("error", err).Warn("Control capability rejected command")
		return nil
	}

	if !d.cache.Update(addr, value) {
		d.metrics.CommandHandled(t, CommandUnknownAddress)
		log.Warn("Command addresses an unregistered point, not confirming")
		return nil
	}

	if err := w.WriteFrame(confirm); err != nil {
		d.metrics.RecordError("dispatcher", "send_actcon", err)
		return fmt.Errorf("send actcon: %w", err)
	}
	d.fire(lc, eventConfirm)

	if err := sleepCtx(ctx, d.termDelay); err != nil {
		return err
	}
	if err := w.WriteFrame(terminate); err != nil {
		d.metrics.RecordError("dispatcher", "send_actterm", err)
		return fmt.Errorf("send actterm: %w", err)
	}
	d.fire(lc, eventTerminate)

	d.metrics.CommandHandled(t, CommandConfirmed)
	log.Info("Command executed and confirmed")
	return nil
}

// invoke calls the capability; a panic counts as a rejection.
func (d *CommandDispatcher) invoke(msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered in control capability: %v", r)
		}
	}()
	switch cmd := msg.(type) {
	case SingleCommand:
		return d.control.HandleSingleCommand(cmd)
	case SetPointCommand:
		return d.control.HandleSetPointCommand(cmd)
	}
	return fmt.Errorf("%s is not a control command", msg.TypeID())
}

// fire ignores the connection context so a cancelled command still returns
// to idle.
func (d *CommandDispatcher) fire(lc *fsm.FSM, event string) {
	if err := lc.Event(context.Background(), event); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "dispatcher",
			"action":    "lifecycle",
			"event":     event,
			"state":     lc.Current(),
			"error":     err,
		}).Error("Invalid command life cycle transition")
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
