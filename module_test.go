package valveautomation

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/testutils/inject"
)

type readingsFunc func(ctx context.Context, call int, electrodes []interface{}) (map[string]interface{}, error)

// drainingReadings empties electrode 2 on the first poll and the rest on the
// second.
func drainingReadings(ctx context.Context, call int, electrodes []interface{}) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for _, e := range electrodes {
		id := e.(int)
		v := 20e-12
		if call > 0 || id == 2 {
			v = 1e-12
		}
		out[strconv.Itoa(id)] = v
	}
	return out, nil
}

func testDeps(t *testing.T, readings readingsFunc) (resource.Dependencies, *Config) {
	t.Helper()
	dir := t.TempDir()
	assignmentPath := filepath.Join(dir, "electrode_assignment.csv")
	if err := os.WriteFile(assignmentPath, []byte("valve,electrode\n10,1\n20,2\n30,3\n"), 0o644); err != nil {
		t.Fatalf("writing assignment: %v", err)
	}

	var mu sync.Mutex
	calls := 0
	caps := inject.NewSensor("caps")
	caps.ReadingsFunc = func(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
		mu.Lock()
		n := calls
		calls++
		mu.Unlock()
		return readings(ctx, n, extra["electrodes"].([]interface{}))
	}

	cfg := &Config{
		CapacitanceSensor: "caps",
		AssignmentPath:    assignmentPath,
		LogDir:            filepath.Join(dir, "logs"),
		ValvePorts:        []string{"COM7"},
		HistoryPath:       filepath.Join(dir, "history.db"),
	}
	deps := resource.Dependencies{sensor.Named("caps"): caps}
	return deps, cfg
}

func portDialer(port *fakePort) Dialer {
	return func(ctx context.Context, name string) (io.WriteCloser, error) {
		return port, nil
	}
}

func failingDialer(ctx context.Context, name string) (io.WriteCloser, error) {
	return nil, errors.New("port busy")
}

func newTestController(t *testing.T, readings readingsFunc, dial Dialer) *valveAutomationController {
	t.Helper()
	logger := logging.NewTestLogger(t)
	name := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "test")
	deps, cfg := testDeps(t, readings)

	ctrl, err := NewController(context.Background(), deps, name, cfg, logger,
		WithDialer(dial), WithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	t.Cleanup(func() { ctrl.Close(context.Background()) })
	return ctrl.(*valveAutomationController)
}

func applyStep(electrodes ...int) map[string]interface{} {
	ids := make([]interface{}, len(electrodes))
	for i, e := range electrodes {
		ids[i] = float64(e)
	}
	return map[string]interface{}{
		"command":         "apply_step",
		"automate_valves": true,
		"electrodes":      ids,
	}
}

func TestNewController(t *testing.T) {
	port := &fakePort{}
	ctrl := newTestController(t, drainingReadings, portDialer(port))

	if ctrl.Name().Name != "test" {
		t.Errorf("Name() = %v", ctrl.Name())
	}
	state := ctrl.GetState()
	if state["link_available"] != true || state["link_port"] != "COM7" {
		t.Errorf("unexpected link state %v", state)
	}
	if state["assignments"] != 3 {
		t.Errorf("assignments = %v, want 3", state["assignments"])
	}
	if state["state"] != "idle" {
		t.Errorf("state = %v, want idle", state["state"])
	}
}

func TestNewControllerErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	name := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "test")

	t.Run("missing capacitance sensor", func(t *testing.T) {
		_, cfg := testDeps(t, drainingReadings)
		_, err := NewController(context.Background(), resource.Dependencies{}, name, cfg, logger,
			WithDialer(failingDialer), WithRegistry(prometheus.NewRegistry()))
		if err == nil {
			t.Error("expected error when capacitance sensor not found")
		}
	})

	t.Run("electrode on two valves", func(t *testing.T) {
		deps, cfg := testDeps(t, drainingReadings)
		if err := os.WriteFile(cfg.AssignmentPath, []byte("10,1\n20,1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := NewController(context.Background(), deps, name, cfg, logger,
			WithDialer(failingDialer), WithRegistry(prometheus.NewRegistry()))
		if !errors.Is(err, ErrConfig) {
			t.Errorf("expected ErrConfig, got %v", err)
		}
	})

	t.Run("missing assignment file", func(t *testing.T) {
		deps, cfg := testDeps(t, drainingReadings)
		cfg.AssignmentPath = filepath.Join(t.TempDir(), "nope.csv")
		_, err := NewController(context.Background(), deps, name, cfg, logger,
			WithDialer(failingDialer), WithRegistry(prometheus.NewRegistry()))
		if !errors.Is(err, ErrStorage) {
			t.Errorf("expected ErrStorage, got %v", err)
		}
	})
}

func TestDoCommand(t *testing.T) {
	ctrl := newTestController(t, drainingReadings, portDialer(&fakePort{}))

	if _, err := ctrl.DoCommand(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("DoCommand should return error for missing command")
	}
	if _, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "dance"}); err == nil {
		t.Error("DoCommand should return error for unknown command")
	}
	if _, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "cancel"}); err == nil {
		t.Error("cancel should fail with no session in progress")
	}
}

func TestApplyStep(t *testing.T) {
	t.Run("skipped without automate_valves", func(t *testing.T) {
		port := &fakePort{}
		ctrl := newTestController(t, drainingReadings, portDialer(port))

		cmd := applyStep(1, 2)
		cmd["automate_valves"] = false
		result, err := ctrl.DoCommand(context.Background(), cmd)
		if err != nil {
			t.Fatalf("DoCommand failed: %v", err)
		}
		if result["status"] != "skipped" {
			t.Errorf("status = %v, want skipped", result["status"])
		}
		if port.String() != "" {
			t.Errorf("skipped step wrote %q", port.String())
		}
	})

	t.Run("opens then closes valves as electrodes empty", func(t *testing.T) {
		port := &fakePort{}
		ctrl := newTestController(t, drainingReadings, portDialer(port))

		result, err := ctrl.DoCommand(context.Background(), applyStep(1, 2, 7))
		if err != nil {
			t.Fatalf("DoCommand failed: %v", err)
		}
		if result["state"] != "completed" {
			t.Fatalf("state = %v, want completed", result["state"])
		}
		if result["polls"] != 2 {
			t.Errorf("polls = %v, want 2", result["polls"])
		}
		if got, want := port.String(), "O 10 20\nC 20\nC 10\n"; got != want {
			t.Errorf("wrote %q, want %q", got, want)
		}

		logs, _ := filepath.Glob(filepath.Join(ctrl.cfg.LogDir, "valve_log_*.csv"))
		if len(logs) != 1 {
			t.Errorf("expected one step log, found %v", logs)
		}

		hist, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "history"})
		if err != nil {
			t.Fatalf("history failed: %v", err)
		}
		sessions := hist["sessions"].([]interface{})
		if len(sessions) != 1 || sessions[0].(map[string]interface{})["state"] != "completed" {
			t.Errorf("unexpected history %v", sessions)
		}

		state := ctrl.GetState()
		last, ok := state["last_session"].(map[string]interface{})
		if !ok || last["session_id"] != result["session_id"] {
			t.Errorf("last_session = %v", state["last_session"])
		}
	})

	t.Run("device failure returns an error", func(t *testing.T) {
		ctrl := newTestController(t, func(ctx context.Context, call int, electrodes []interface{}) (map[string]interface{}, error) {
			return nil, errors.New("sensor offline")
		}, portDialer(&fakePort{}))

		_, err := ctrl.DoCommand(context.Background(), applyStep(1))
		if !errors.Is(err, ErrDevice) {
			t.Errorf("expected ErrDevice, got %v", err)
		}
		if last := ctrl.GetState()["last_session"].(map[string]interface{}); last["state"] != "aborted" {
			t.Errorf("last state = %v, want aborted", last["state"])
		}
	})

	t.Run("timeout is not an error", func(t *testing.T) {
		ctrl := newTestController(t, func(ctx context.Context, call int, electrodes []interface{}) (map[string]interface{}, error) {
			out := map[string]interface{}{}
			for _, e := range electrodes {
				out[strconv.Itoa(e.(int))] = 20e-12
			}
			return out, nil
		}, portDialer(&fakePort{}))
		ctrl.cfg.PollIntervalMs = 5

		cmd := applyStep(1)
		cmd["timeout_ms"] = float64(20)
		result, err := ctrl.DoCommand(context.Background(), cmd)
		if err != nil {
			t.Fatalf("DoCommand failed: %v", err)
		}
		if result["state"] != "timed_out" {
			t.Errorf("state = %v, want timed_out", result["state"])
		}
	})

	t.Run("runs without a valve controller", func(t *testing.T) {
		ctrl := newTestController(t, drainingReadings, failingDialer)

		result, err := ctrl.DoCommand(context.Background(), applyStep(1, 2))
		if err != nil {
			t.Fatalf("DoCommand failed: %v", err)
		}
		if result["state"] != "completed" || result["link_available"] != false {
			t.Errorf("unexpected result %v", result)
		}
		if commands := result["commands"].([]interface{}); len(commands) != 0 {
			t.Errorf("commands = %v, want none", commands)
		}
	})

	t.Run("rejects bad overrides", func(t *testing.T) {
		ctrl := newTestController(t, drainingReadings, portDialer(&fakePort{}))
		cmd := applyStep(1)
		cmd["threshold"] = float64(-1)
		if _, err := ctrl.DoCommand(context.Background(), cmd); err == nil {
			t.Error("expected error for negative threshold")
		}
		cmd = applyStep(1)
		cmd["electrodes"] = "1"
		if _, err := ctrl.DoCommand(context.Background(), cmd); err == nil {
			t.Error("expected error for malformed electrodes")
		}
	})
}

// blockingReadings holds every poll until the session is cancelled.
func blockingReadings(ctx context.Context, call int, electrodes []interface{}) (map[string]interface{}, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSessionInProgress(t *testing.T) {
	ctrl := newTestController(t, blockingReadings, portDialer(&fakePort{}))

	cmd := applyStep(1, 2)
	cmd["wait"] = false
	result, err := ctrl.DoCommand(context.Background(), cmd)
	if err != nil {
		t.Fatalf("DoCommand failed: %v", err)
	}
	if result["status"] != "started" || result["session_id"] == "" {
		t.Fatalf("unexpected result %v", result)
	}

	ctrl.mu.Lock()
	rs := ctrl.running
	ctrl.mu.Unlock()
	if rs == nil {
		t.Fatal("expected a running session")
	}

	if _, err := ctrl.DoCommand(context.Background(), applyStep(3)); !errors.Is(err, ErrSessionInProgress) {
		t.Errorf("expected ErrSessionInProgress, got %v", err)
	}
	_, err = ctrl.DoCommand(context.Background(), map[string]interface{}{
		"command":    "set_assignment",
		"assignment": map[string]interface{}{"10": float64(1)},
	})
	if !errors.Is(err, ErrSessionInProgress) {
		t.Errorf("set_assignment during a session: expected ErrSessionInProgress, got %v", err)
	}

	status, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "status"})
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status["session_id"] != result["session_id"] {
		t.Errorf("status session_id = %v, want %v", status["session_id"], result["session_id"])
	}

	cancelled, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "cancel"})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled["status"] != "cancelling" {
		t.Errorf("unexpected cancel result %v", cancelled)
	}
	<-rs.done

	state := ctrl.GetState()
	if state["state"] != "idle" {
		t.Errorf("state = %v, want idle", state["state"])
	}
	if last := state["last_session"].(map[string]interface{}); last["state"] != "cancelled" {
		t.Errorf("last state = %v, want cancelled", last["state"])
	}
}

func TestApplyStepCallerCancels(t *testing.T) {
	ctrl := newTestController(t, blockingReadings, portDialer(&fakePort{}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			ctrl.mu.Lock()
			running := ctrl.running != nil
			ctrl.mu.Unlock()
			if running {
				cancel()
				return
			}
		}
	}()

	if _, err := ctrl.DoCommand(ctx, applyStep(1)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if ctrl.GetState()["state"] != "idle" {
		t.Error("session should have stopped with the caller")
	}
}

func TestAssignmentCommands(t *testing.T) {
	ctrl := newTestController(t, drainingReadings, portDialer(&fakePort{}))

	got, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "get_assignment"})
	if err != nil {
		t.Fatalf("get_assignment failed: %v", err)
	}
	a := got["assignment"].(map[string]interface{})
	if len(a) != 3 || a["20"] != 2 {
		t.Errorf("unexpected assignment %v", a)
	}

	t.Run("set replaces and persists the table", func(t *testing.T) {
		result, err := ctrl.DoCommand(context.Background(), map[string]interface{}{
			"command":    "set_assignment",
			"assignment": map[string]interface{}{"5": float64(4), "6": float64(8)},
		})
		if err != nil {
			t.Fatalf("set_assignment failed: %v", err)
		}
		if result["assignments"] != 2 {
			t.Errorf("unexpected result %v", result)
		}

		loaded, err := LoadAssignment(ctrl.cfg.AssignmentPath)
		if err != nil {
			t.Fatalf("LoadAssignment failed: %v", err)
		}
		if len(loaded) != 2 || loaded[5] != 4 || loaded[6] != 8 {
			t.Errorf("persisted %v", loaded)
		}
		if ctrl.GetState()["assignments"] != 2 {
			t.Error("controller did not swap in the new table")
		}
	})

	t.Run("rejects electrode on two valves", func(t *testing.T) {
		_, err := ctrl.DoCommand(context.Background(), map[string]interface{}{
			"command":    "set_assignment",
			"assignment": map[string]interface{}{"5": float64(4), "6": float64(4)},
		})
		if !errors.Is(err, ErrConfig) {
			t.Errorf("expected ErrConfig, got %v", err)
		}
		if ctrl.GetState()["assignments"] != 2 {
			t.Error("rejected table should not be applied")
		}
	})

	t.Run("rejects malformed ids", func(t *testing.T) {
		_, err := ctrl.DoCommand(context.Background(), map[string]interface{}{
			"command":    "set_assignment",
			"assignment": map[string]interface{}{"five": float64(4)},
		})
		if !errors.Is(err, ErrConfig) {
			t.Errorf("expected ErrConfig, got %v", err)
		}
	})
}

func TestReconnect(t *testing.T) {
	first := &fakePort{}
	second := &fakePort{}
	ports := []*fakePort{first, second}
	var mu sync.Mutex
	dial := func(ctx context.Context, name string) (io.WriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		p := ports[0]
		ports = ports[1:]
		return p, nil
	}
	ctrl := newTestController(t, drainingReadings, dial)

	result, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "reconnect"})
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if result["link_available"] != true {
		t.Errorf("unexpected result %v", result)
	}
	if !first.closed {
		t.Error("previous port should be closed")
	}

	if _, err := ctrl.DoCommand(context.Background(), applyStep(2)); err != nil {
		t.Fatalf("apply_step failed: %v", err)
	}
	if first.String() != "" || second.String() != "O 20\nC 20\n" {
		t.Errorf("first wrote %q, second wrote %q", first.String(), second.String())
	}

	t.Run("cancelled reconnect drops the old link", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := ctrl.DoCommand(ctx, map[string]interface{}{"command": "reconnect"}); err == nil {
			t.Fatal("expected reconnect to fail on a cancelled context")
		}
		if !second.closed {
			t.Error("previous port should be closed")
		}
		if ctrl.GetState()["link_available"] != false {
			t.Error("closed link should not be reported as available")
		}

		result, err := ctrl.DoCommand(context.Background(), applyStep(2))
		if err != nil {
			t.Fatalf("apply_step failed: %v", err)
		}
		if result["state"] != "completed" {
			t.Errorf("state = %v, want completed", result["state"])
		}
		if second.String() != "O 20\nC 20\n" {
			t.Errorf("closed port written to: %q", second.String())
		}
	})
}

func TestClose(t *testing.T) {
	port := &fakePort{}
	ctrl := newTestController(t, drainingReadings, portDialer(port))

	if err := ctrl.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if !port.closed {
		t.Error("Close should release the valve port")
	}
	if _, err := ctrl.DoCommand(context.Background(), applyStep(1)); err == nil {
		t.Error("apply_step should fail after Close")
	}
}

func TestCloseStopsRunningSession(t *testing.T) {
	ctrl := newTestController(t, blockingReadings, portDialer(&fakePort{}))

	cmd := applyStep(1)
	cmd["wait"] = false
	if _, err := ctrl.DoCommand(context.Background(), cmd); err != nil {
		t.Fatalf("DoCommand failed: %v", err)
	}
	if err := ctrl.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if ctrl.GetState()["state"] != "idle" {
		t.Error("Close should wait for the session to stop")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("returns capacitance sensor as dependency", func(t *testing.T) {
		cfg := &Config{CapacitanceSensor: "caps", AssignmentPath: "a.csv"}
		deps, _, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(deps) != 1 || deps[0] != "caps" {
			t.Errorf("expected [caps], got %v", deps)
		}
	})

	t.Run("errors when capacitance sensor missing", func(t *testing.T) {
		cfg := &Config{AssignmentPath: "a.csv"}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing capacitance_sensor")
		}
	})

	t.Run("errors when assignment path missing", func(t *testing.T) {
		cfg := &Config{CapacitanceSensor: "caps"}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing assignment_path")
		}
	})

	t.Run("errors on unknown frame format", func(t *testing.T) {
		cfg := &Config{CapacitanceSensor: "caps", AssignmentPath: "a.csv", FrameFormat: "binary"}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for unknown frame_format")
		}
	})

	t.Run("session defaults", func(t *testing.T) {
		sc := (&Config{}).sessionConfig()
		if sc.Threshold != DefaultThreshold || sc.Timeout != DefaultTimeout {
			t.Errorf("unexpected defaults %+v", sc)
		}
		if sc.PollInterval != DefaultPollInterval {
			t.Errorf("poll interval = %v, want %v", sc.PollInterval, DefaultPollInterval)
		}

		sc = (&Config{PollIntervalMs: 5}).sessionConfig()
		if sc.PollInterval != 5*time.Millisecond {
			t.Errorf("poll interval = %v, want 5ms", sc.PollInterval)
		}
	})
}
