package valveautomation

import (
	"context"
	"fmt"
	"sync"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var SessionSensor = resource.NewModel("viamlab", "valve-automation", "session-sensor")

func init() {
	resource.RegisterComponent(sensor.API, SessionSensor,
		resource.Registration[sensor.Sensor, *SessionSensorConfig]{
			Constructor: newSessionSensor,
		},
	)
}

type SessionSensorConfig struct {
	Controller string `json:"controller"`
}

func (cfg *SessionSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Controller == "" {
		return nil, nil, fmt.Errorf("%s: controller is required", path)
	}
	// Return full resource name so Viam knows this is a generic service dependency
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Controller)
	return []string{dep.String()}, nil, nil
}

type stateProvider interface {
	GetState() map[string]interface{}
}

// sessionSensor exposes the controller's session state so data capture can
// record it alongside the protocol.
type sessionSensor struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	controller stateProvider

	mu       sync.Mutex
	reported string // id of the last finished session already synced
}

func newSessionSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*SessionSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	controllerName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Controller)
	ctrl, ok := deps[controllerName]
	if !ok {
		return nil, fmt.Errorf("controller %q not found in dependencies", conf.Controller)
	}

	provider, ok := ctrl.(stateProvider)
	if !ok {
		return nil, fmt.Errorf("controller %q does not implement GetState", conf.Controller)
	}

	return &sessionSensor{
		name:       rawConf.ResourceName(),
		logger:     logger,
		controller: provider,
	}, nil
}

func (s *sessionSensor) Name() resource.Name {
	return s.name
}

// Readings syncs while a session runs and once more when a new outcome
// appears, so the final state of every session is captured. The last
// session's outcome is also flattened into last_* fields.
func (s *sessionSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	state := s.controller.GetState()
	readings := make(map[string]interface{}, len(state)+6)
	for k, v := range state {
		readings[k] = v
	}

	shouldSync := state["state"] == StateRunning.String()
	if last, ok := state["last_session"].(map[string]interface{}); ok {
		id, _ := last["session_id"].(string)
		readings["last_session_id"] = id
		readings["last_state"] = last["state"]
		readings["last_elapsed_s"] = last["elapsed_s"]
		if remaining, ok := last["remaining"].([]interface{}); ok {
			readings["last_remaining"] = len(remaining)
		}
		if errMsg, ok := last["error"]; ok {
			readings["last_error"] = errMsg
		}

		s.mu.Lock()
		if id != "" && id != s.reported {
			s.reported = id
			shouldSync = true
		}
		s.mu.Unlock()
	}
	readings["should_sync"] = shouldSync
	return readings, nil
}

func (s *sessionSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on session-sensor")
}

func (s *sessionSensor) Close(context.Context) error {
	return nil
}
