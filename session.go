package valveautomation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.viam.com/rdk/logging"
)

// SessionState is the lifecycle of one automated step.
type SessionState int

const (
	StateIdle SessionState = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateAborted
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateAborted:
		return "aborted"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the session has finished.
func (s SessionState) Terminal() bool {
	return s >= StateCompleted
}

const (
	DefaultThreshold    = 5e-12
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// SessionConfig tunes one session. A calibration step may override the
// threshold and timeout per run.
type SessionConfig struct {
	Threshold    float64
	Timeout      time.Duration
	PollInterval time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{Threshold: DefaultThreshold, Timeout: DefaultTimeout, PollInterval: DefaultPollInterval}
}

type valveSender interface {
	Send(ctx context.Context, cmd ValveCommand) error
}

// SessionResult describes how a session ended.
type SessionResult struct {
	ID            string
	State         SessionState
	Started       time.Time
	Elapsed       time.Duration
	Polls         int
	Electrodes    []ElectrodeID
	Remaining     []ElectrodeID
	Commands      []ValveCommand
	LinkAvailable bool
	Log           *StepLog
	Err           error
}

// Session drives one step: open the valves for the activated electrodes, then
// poll capacitance and close each valve once its electrode reads empty.
// Valves still open at timeout, cancellation or failure are left open.
type Session struct {
	id     string
	cfg    SessionConfig
	valves ElectrodeValveMap
	link   valveSender
	source CapacitanceSource
	clock  clock.Clock
	logger logging.Logger

	mu     sync.Mutex
	state  SessionState
	active []ElectrodeID
	polls  int
}

// NewSession prepares a session. valves must not change while it runs; pass
// a snapshot. A nil link runs the poll loop without sending commands.
func NewSession(cfg SessionConfig, valves ElectrodeValveMap, link valveSender, source CapacitanceSource, clk clock.Clock, logger logging.Logger) *Session {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		valves: valves,
		link:   link,
		source: source,
		clock:  clk,
		logger: logger,
		state:  StateIdle,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Snapshot returns the state, remaining electrodes and poll count.
func (s *Session) Snapshot() (SessionState, []ElectrodeID, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, append([]ElectrodeID(nil), s.active...), s.polls
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run executes the session to a terminal state. It returns once, on the
// calling goroutine, and yields to ctx between polls.
func (s *Session) Run(ctx context.Context, activated []ElectrodeID) SessionResult {
	active := s.valves.Filter(activated)
	res := SessionResult{
		ID:            s.id,
		Electrodes:    append([]ElectrodeID(nil), active...),
		LinkAvailable: s.link != nil,
		Log:           &StepLog{SessionID: s.id, Electrodes: append([]ElectrodeID(nil), active...)},
	}

	s.mu.Lock()
	s.state = StateRunning
	s.active = append([]ElectrodeID(nil), active...)
	s.mu.Unlock()

	start := s.clock.Now()
	res.Started = start
	finish := func(state SessionState, err error) SessionResult {
		s.mu.Lock()
		s.state = state
		res.Remaining = append([]ElectrodeID(nil), s.active...)
		res.Polls = s.polls
		s.mu.Unlock()
		res.State = state
		res.Err = err
		res.Elapsed = s.clock.Since(start)
		return res
	}

	if len(active) == 0 {
		s.logger.Infof("session %s: no activated electrode has a valve, nothing to do", s.id)
		return finish(StateCompleted, nil)
	}

	if err := s.send(ctx, OpenValves(s.valves.Resolve(active)), &res); err != nil {
		if ctx.Err() != nil {
			return finish(StateCancelled, ctx.Err())
		}
		s.logger.Errorf("session %s: opening valves: %v", s.id, err)
		return finish(StateAborted, err)
	}

	for len(active) > 0 {
		if s.clock.Since(start) >= s.cfg.Timeout {
			s.logger.Warnf("session %s: timed out after %v with electrodes %v still active; leaving their valves open",
				s.id, s.cfg.Timeout, active)
			return finish(StateTimedOut, nil)
		}
		if err := ctx.Err(); err != nil {
			s.logger.Warnf("session %s: cancelled with electrodes %v still active", s.id, active)
			return finish(StateCancelled, err)
		}

		readings, err := s.source.ReadCapacitance(ctx, active)
		if err == nil {
			err = checkReadings(active, readings)
		}
		if err != nil {
			if ctx.Err() != nil {
				return finish(StateCancelled, ctx.Err())
			}
			s.logger.Errorf("session %s: %v", s.id, err)
			return finish(StateAborted, err)
		}
		elapsed := s.clock.Since(start)
		s.logger.Debugf("session %s: poll at %v: %v", s.id, elapsed, readings)

		var empty, remaining []ElectrodeID
		for _, e := range active {
			if readings[e] <= s.cfg.Threshold {
				empty = append(empty, e)
			} else {
				remaining = append(remaining, e)
			}
		}

		var sendErr error
		if len(empty) > 0 {
			sendErr = s.send(ctx, CloseValves(s.valves.Resolve(empty)), &res)
		}
		res.Log.Append(elapsed, readings)
		s.mu.Lock()
		s.polls++
		if sendErr == nil {
			s.active = append([]ElectrodeID(nil), remaining...)
		}
		s.mu.Unlock()
		if sendErr != nil {
			if ctx.Err() != nil {
				return finish(StateCancelled, ctx.Err())
			}
			s.logger.Errorf("session %s: closing valves: %v", s.id, sendErr)
			return finish(StateAborted, sendErr)
		}
		active = remaining

		if len(active) > 0 {
			if err := s.yield(ctx); err != nil {
				s.logger.Warnf("session %s: cancelled with electrodes %v still active", s.id, active)
				return finish(StateCancelled, err)
			}
		}
	}

	s.logger.Infof("session %s: all electrodes emptied after %d polls", s.id, len(res.Log.Rows))
	return finish(StateCompleted, nil)
}

func (s *Session) send(ctx context.Context, cmd ValveCommand, res *SessionResult) error {
	if s.link == nil {
		s.logger.Debugf("session %s: no valve controller, skipping %s %v", s.id, cmd.Kind, cmd.Valves)
		return nil
	}
	if err := s.link.Send(ctx, cmd); err != nil {
		return err
	}
	s.logger.Infof("session %s: %s valves %v", s.id, cmd.Kind, cmd.Valves)
	res.Commands = append(res.Commands, cmd)
	return nil
}

// yield gives the host a chance to run between polls and is where
// cancellation is observed.
func (s *Session) yield(ctx context.Context) error {
	if s.cfg.PollInterval <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	t := s.clock.Timer(s.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func checkReadings(active []ElectrodeID, readings map[ElectrodeID]float64) error {
	for _, e := range active {
		if _, ok := readings[e]; !ok {
			return fmt.Errorf("%w: no reading for electrode %d", ErrDevice, e)
		}
	}
	return nil
}

// Summary renders the result for DoCommand and the status sensor.
func (r SessionResult) Summary() map[string]interface{} {
	commands := make([]interface{}, len(r.Commands))
	for i, c := range r.Commands {
		valves := make([]interface{}, len(c.Valves))
		for j, v := range c.Valves {
			valves[j] = int(v)
		}
		commands[i] = map[string]interface{}{"kind": c.Kind.String(), "valves": valves}
	}
	out := map[string]interface{}{
		"session_id":     r.ID,
		"state":          r.State.String(),
		"started_at":     r.Started.UTC().Format(time.RFC3339Nano),
		"elapsed_s":      r.Elapsed.Seconds(),
		"polls":          r.Polls,
		"electrodes":     electrodesToInterface(r.Electrodes),
		"remaining":      electrodesToInterface(r.Remaining),
		"commands":       commands,
		"link_available": r.LinkAvailable,
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
	}
	return out
}

func electrodesToInterface(es []ElectrodeID) []interface{} {
	out := make([]interface{}, len(es))
	for i, e := range es {
		out[i] = int(e)
	}
	return out
}

// errorKind names the failure class of err for metrics and history.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLink):
		return "link"
	case errors.Is(err, ErrDevice):
		return "device"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}
