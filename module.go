package valveautomation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var Controller = resource.NewModel("viamlab", "valve-automation", "controller")

func init() {
	resource.RegisterService(generic.API, Controller,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newValveAutomationController,
		},
	)
}

const defaultBaudRate = 115200

type Config struct {
	CapacitanceSensor string   `json:"capacitance_sensor"`
	AssignmentPath    string   `json:"assignment_path"`
	LogDir            string   `json:"log_dir,omitempty"`
	ValvePorts        []string `json:"valve_ports,omitempty"` // tried in order; empty means every discovered port
	BaudRate          int      `json:"baud_rate,omitempty"`
	FrameFormat       string   `json:"frame_format,omitempty"` // "tagged" (default) or "legacy"
	Threshold         float64  `json:"threshold,omitempty"`    // farads (default: 5e-12)
	TimeoutMs         int      `json:"timeout_ms,omitempty"`   // default: 10000
	PollIntervalMs    int      `json:"poll_interval_ms,omitempty"` // default: 100
	HistoryPath       string   `json:"history_path,omitempty"`
	MetricsAddr       string   `json:"metrics_addr,omitempty"`
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.CapacitanceSensor == "" {
		return nil, nil, fmt.Errorf("%s: capacitance_sensor is required", path)
	}
	if cfg.AssignmentPath == "" {
		return nil, nil, fmt.Errorf("%s: assignment_path is required", path)
	}
	if !FrameFormat(cfg.FrameFormat).Valid() {
		return nil, nil, fmt.Errorf("%s: frame_format must be %q or %q, got %q", path, FrameTagged, FrameLegacy, cfg.FrameFormat)
	}
	if cfg.Threshold < 0 {
		return nil, nil, fmt.Errorf("%s: threshold must not be negative", path)
	}
	if cfg.TimeoutMs < 0 || cfg.PollIntervalMs < 0 {
		return nil, nil, fmt.Errorf("%s: timeout_ms and poll_interval_ms must not be negative", path)
	}
	return []string{cfg.CapacitanceSensor}, nil, nil
}

func (cfg *Config) sessionConfig() SessionConfig {
	sc := DefaultSessionConfig()
	if cfg.Threshold > 0 {
		sc.Threshold = cfg.Threshold
	}
	if cfg.TimeoutMs > 0 {
		sc.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	if cfg.PollIntervalMs > 0 {
		sc.PollInterval = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	}
	return sc
}

func (cfg *Config) logDir() string {
	if cfg.LogDir != "" {
		return cfg.LogDir
	}
	return filepath.Join(os.TempDir(), "valve-automation")
}

// ControllerOption overrides collaborators, mainly for tests.
type ControllerOption func(*controllerOptions)

type controllerOptions struct {
	dial       Dialer
	clock      clock.Clock
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

func WithDialer(d Dialer) ControllerOption {
	return func(o *controllerOptions) { o.dial = d }
}

func WithClock(c clock.Clock) ControllerOption {
	return func(o *controllerOptions) { o.clock = c }
}

func WithRegistry(reg *prometheus.Registry) ControllerOption {
	return func(o *controllerOptions) {
		o.registerer = reg
		o.gatherer = reg
	}
}

type runningSession struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
	result  SessionResult
}

type valveAutomationController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	source     CapacitanceSource
	dial       Dialer
	clock      clock.Clock
	metrics    *sessionMetrics
	history    *historyStore
	metricsSrv *metricsServer

	mu      sync.Mutex
	valves  ElectrodeValveMap
	link    *ValveLink
	running *runningSession
	last    *SessionResult

	cancelCtx  context.Context
	cancelFunc func()
}

func newValveAutomationController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger, opts ...ControllerOption) (resource.Resource, error) {
	o := controllerOptions{
		dial:       SerialDialer(conf.BaudRate),
		clock:      clock.New(),
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(&o)
	}

	capSensor, err := sensor.FromDependencies(deps, conf.CapacitanceSensor)
	if err != nil {
		return nil, fmt.Errorf("getting capacitance sensor: %w", err)
	}

	assignment, err := LoadAssignment(conf.AssignmentPath)
	if err != nil {
		return nil, err
	}
	valves, err := assignment.Invert()
	if err != nil {
		return nil, fmt.Errorf("assignment %q: %w", conf.AssignmentPath, err)
	}

	metrics, err := newSessionMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	var history *historyStore
	if conf.HistoryPath != "" {
		if history, err = openHistoryStore(conf.HistoryPath); err != nil {
			return nil, err
		}
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	s := &valveAutomationController{
		name:       name,
		logger:     logger,
		cfg:        conf,
		source:     newSensorCapacitanceSource(capSensor),
		dial:       o.dial,
		clock:      o.clock,
		metrics:    metrics,
		history:    history,
		valves:     valves,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	logger.Infof("loaded %d electrode assignments from %s", len(valves), conf.AssignmentPath)

	s.link, err = Connect(ctx, s.candidatePorts(), s.dial, FrameFormat(conf.FrameFormat), logger)
	if err != nil {
		cancelFunc()
		return nil, multierr.Combine(err, history.Close())
	}

	if conf.MetricsAddr != "" {
		s.metricsSrv = startMetricsServer(conf.MetricsAddr, o.gatherer, logger)
	}
	return s, nil
}

func (s *valveAutomationController) candidatePorts() []string {
	if len(s.cfg.ValvePorts) > 0 {
		return s.cfg.ValvePorts
	}
	ports, err := DiscoverPorts()
	if err != nil {
		s.logger.Warnf("%v", err)
		return nil
	}
	return ports
}

func (s *valveAutomationController) Name() resource.Name {
	return s.name
}

func (s *valveAutomationController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "apply_step":
		return s.handleApplyStep(ctx, cmd)
	case "status":
		return s.GetState(), nil
	case "cancel":
		return s.handleCancel()
	case "get_assignment":
		return s.handleGetAssignment(), nil
	case "set_assignment":
		return s.handleSetAssignment(cmd)
	case "reconnect":
		return s.handleReconnect(ctx)
	case "history":
		return s.handleHistory(cmd)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

// handleApplyStep runs automation for one protocol step. The step's
// automate_valves option gates everything; electrodes are the ones the step
// activates.
func (s *valveAutomationController) handleApplyStep(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	if automate, _ := cmd["automate_valves"].(bool); !automate {
		return map[string]interface{}{"status": "skipped"}, nil
	}
	electrodes, err := parseElectrodeList(cmd["electrodes"])
	if err != nil {
		return nil, err
	}

	sc := s.cfg.sessionConfig()
	if v, ok := cmd["threshold"].(float64); ok {
		if v < 0 {
			return nil, fmt.Errorf("threshold must not be negative")
		}
		sc.Threshold = v
	}
	if v, ok := cmd["timeout_ms"].(float64); ok {
		if v <= 0 {
			return nil, fmt.Errorf("timeout_ms must be positive")
		}
		sc.Timeout = time.Duration(v) * time.Millisecond
	}

	rs, err := s.startSession(sc, electrodes)
	if err != nil {
		return nil, err
	}

	if wait, ok := cmd["wait"].(bool); ok && !wait {
		return map[string]interface{}{"status": "started", "session_id": rs.session.ID()}, nil
	}

	select {
	case <-rs.done:
	case <-ctx.Done():
		rs.cancel()
		<-rs.done
		return nil, ctx.Err()
	}

	res := rs.result
	if res.State == StateAborted {
		return nil, fmt.Errorf("valve automation session %s aborted: %w", res.ID, res.Err)
	}
	return res.Summary(), nil
}

func (s *valveAutomationController) startSession(sc SessionConfig, electrodes []ElectrodeID) (*runningSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil {
		return nil, ErrSessionInProgress
	}
	if err := s.cancelCtx.Err(); err != nil {
		return nil, fmt.Errorf("controller closed: %w", err)
	}

	var link valveSender
	if s.link != nil {
		link = s.link
	} else {
		s.logger.Warnf("no valve controller connected; polling without valve control")
	}

	session := NewSession(sc, s.valves.Clone(), link, s.source, s.clock, s.logger)
	sessCtx, cancel := context.WithCancel(s.cancelCtx)
	rs := &runningSession{session: session, cancel: cancel, done: make(chan struct{})}
	s.running = rs
	s.metrics.sessionStarted()

	go func() {
		defer close(rs.done)
		defer cancel()
		res := session.Run(sessCtx, electrodes)
		s.finishSession(rs, res)
	}()
	return rs, nil
}

// finishSession flushes the step log and records the outcome.
func (s *valveAutomationController) finishSession(rs *runningSession, res SessionResult) {
	logPath, err := res.Log.Flush(s.cfg.logDir(), res.Started)
	if err != nil {
		s.logger.Errorf("session %s: flushing step log: %v", res.ID, err)
	} else {
		s.logger.Infof("session %s: %s, step log written to %s", res.ID, res.State, logPath)
	}

	s.metrics.observe(res)
	if s.history != nil {
		if err := s.history.Append(newHistoryRecord(res, logPath)); err != nil {
			s.logger.Errorf("session %s: recording history: %v", res.ID, err)
		}
	}

	s.mu.Lock()
	rs.result = res
	s.last = &res
	s.running = nil
	s.mu.Unlock()
}

func (s *valveAutomationController) handleCancel() (map[string]interface{}, error) {
	s.mu.Lock()
	rs := s.running
	s.mu.Unlock()
	if rs == nil {
		return nil, fmt.Errorf("no session in progress")
	}
	rs.cancel()
	return map[string]interface{}{"status": "cancelling", "session_id": rs.session.ID()}, nil
}

func (s *valveAutomationController) handleGetAssignment() map[string]interface{} {
	s.mu.Lock()
	a := s.valves.Assignment()
	s.mu.Unlock()

	out := make(map[string]interface{}, len(a))
	for v, e := range a {
		out[strconv.FormatUint(uint64(v), 10)] = int(e)
	}
	return map[string]interface{}{"assignment": out}
}

// handleSetAssignment validates, persists and swaps in a new table. The map
// is never replaced while a session holds it.
func (s *valveAutomationController) handleSetAssignment(cmd map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := cmd["assignment"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'assignment' field")
	}
	a := make(Assignment, len(raw))
	for k, v := range raw {
		valve, err := parseID(k)
		if err != nil {
			return nil, fmt.Errorf("%w: valve: %v", ErrConfig, err)
		}
		f, err := toFloat(v)
		if err != nil || f < 0 || f != float64(uint32(f)) {
			return nil, fmt.Errorf("%w: electrode for valve %d must be a non-negative integer", ErrConfig, valve)
		}
		a[ValveID(valve)] = ElectrodeID(f)
	}
	valves, err := a.Invert()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != nil {
		return nil, ErrSessionInProgress
	}
	if err := SaveAssignment(s.cfg.AssignmentPath, a); err != nil {
		return nil, err
	}
	s.valves = valves
	s.logger.Infof("electrode assignment updated: %v", a)
	return map[string]interface{}{"status": "saved", "assignments": len(a)}, nil
}

func (s *valveAutomationController) handleReconnect(ctx context.Context) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != nil {
		return nil, ErrSessionInProgress
	}
	if err := s.link.Close(); err != nil {
		s.logger.Warnf("closing previous valve link: %v", err)
	}
	s.link = nil
	link, err := Connect(ctx, s.candidatePorts(), s.dial, FrameFormat(s.cfg.FrameFormat), s.logger)
	if err != nil {
		return nil, err
	}
	s.link = link
	return map[string]interface{}{"link_available": link != nil, "link_port": link.Port()}, nil
}

func (s *valveAutomationController) handleHistory(cmd map[string]interface{}) (map[string]interface{}, error) {
	if s.history == nil {
		return nil, fmt.Errorf("history_path is not configured")
	}
	limit := 20
	if v, ok := cmd["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	recs, err := s.history.Recent(limit)
	if err != nil {
		return nil, err
	}
	sessions := make([]interface{}, len(recs))
	for i, r := range recs {
		sessions[i] = map[string]interface{}{
			"session_id": r.SessionID,
			"state":      r.State,
			"error_kind": r.ErrorKind,
			"started_at": r.StartedAt.UTC().Format(time.RFC3339Nano),
			"elapsed_s":  r.Elapsed.Seconds(),
			"polls":      r.Polls,
			"electrodes": electrodesToInterface(r.Electrodes),
			"remaining":  electrodesToInterface(r.Remaining),
			"log_path":   r.LogPath,
		}
	}
	return map[string]interface{}{"sessions": sessions}, nil
}

// GetState reports the controller for the session sensor.
func (s *valveAutomationController) GetState() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := map[string]interface{}{
		"state":          "idle",
		"link_available": s.link != nil,
		"link_port":      s.link.Port(),
		"assignments":    len(s.valves),
	}
	if s.running != nil {
		st, remaining, polls := s.running.session.Snapshot()
		state["state"] = st.String()
		state["session_id"] = s.running.session.ID()
		state["remaining"] = electrodesToInterface(remaining)
		state["polls"] = polls
	}
	if s.last != nil {
		state["last_session"] = s.last.Summary()
	}
	return state
}

func (s *valveAutomationController) Close(ctx context.Context) error {
	s.cancelFunc()

	s.mu.Lock()
	rs := s.running
	link := s.link
	s.mu.Unlock()

	// Closing the link fails any write the session is blocked in.
	err := link.Close()
	if rs != nil {
		select {
		case <-rs.done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("waiting for session to stop: %w", ctx.Err()))
		}
	}
	return multierr.Combine(err, s.history.Close(), s.metricsSrv.Close(ctx))
}
