package valveautomation

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var CapacitanceSensor = resource.NewModel("viamlab", "valve-automation", "capacitance-sensor")

func init() {
	resource.RegisterComponent(sensor.API, CapacitanceSensor,
		resource.Registration[sensor.Sensor, *CapacitanceSensorConfig]{
			Constructor: newCapacitanceSensor,
		},
	)
}

const picofarad = 1e-12

type CapacitanceSensorConfig struct {
	Source         string  `json:"source,omitempty"`            // sensor reporting capacitance keyed by electrode id
	UseMockDrain   bool    `json:"use_mock_drain,omitempty"`    // simulate electrodes emptying instead of reading hardware
	InitialPF      float64 `json:"initial_pf,omitempty"`        // mock: full electrode (default: 20)
	DrainPFPerRead float64 `json:"drain_pf_per_read,omitempty"` // mock: base drop per read (default: 4)
	FloorPF        float64 `json:"floor_pf,omitempty"`          // mock: empty electrode (default: 1)
}

func (cfg *CapacitanceSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.UseMockDrain {
		return nil, nil, nil
	}
	if cfg.Source == "" {
		return nil, nil, fmt.Errorf("%s: source is required unless use_mock_drain is set", path)
	}
	return []string{cfg.Source}, nil, nil
}

// mockDrainReader simulates electrodes emptying: every read lowers the
// reading until it rests at the floor. Higher electrode ids drain slower so
// valves close in staggered batches.
type mockDrainReader struct {
	mu        sync.Mutex
	initialPF float64
	drainPF   float64
	floorPF   float64
	levels    map[ElectrodeID]float64
}

func newMockDrainReader(initialPF, drainPF, floorPF float64) *mockDrainReader {
	return &mockDrainReader{
		initialPF: initialPF,
		drainPF:   drainPF,
		floorPF:   floorPF,
		levels:    map[ElectrodeID]float64{},
	}
}

func (m *mockDrainReader) ReadCapacitance(ctx context.Context, electrodes []ElectrodeID) (map[ElectrodeID]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[ElectrodeID]float64, len(electrodes))
	for _, e := range electrodes {
		level, ok := m.levels[e]
		if !ok {
			level = m.initialPF
		}
		out[e] = level * picofarad

		level -= m.drainPF / float64(1+e%3)
		if level < m.floorPF {
			level = m.floorPF
		}
		m.levels[e] = level
	}
	return out, nil
}

// NewSimulatedSource returns a capacitance source that drains every
// electrode it is asked about, for dry runs without hardware.
func NewSimulatedSource(initialPF, drainPFPerRead, floorPF float64) CapacitanceSource {
	return newMockDrainReader(initialPF, drainPFPerRead, floorPF)
}

// Refill resets the given electrodes, or all of them, to full.
func (m *mockDrainReader) Refill(electrodes []ElectrodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(electrodes) == 0 {
		m.levels = map[ElectrodeID]float64{}
		return
	}
	for _, e := range electrodes {
		delete(m.levels, e)
	}
}

type capacitanceSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	reader CapacitanceSource

	mu   sync.Mutex
	last map[ElectrodeID]float64
	// electrodes polled most recently, reused when Readings has no list
	lastElectrodes []ElectrodeID
}

func newCapacitanceSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*CapacitanceSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	var reader CapacitanceSource
	if conf.UseMockDrain {
		initial := conf.InitialPF
		if initial <= 0 {
			initial = 20
		}
		drain := conf.DrainPFPerRead
		if drain <= 0 {
			drain = 4
		}
		floor := conf.FloorPF
		if floor <= 0 {
			floor = 1
		}
		reader = newMockDrainReader(initial, drain, floor)
		logger.Infof("capacitance-sensor using mock drain (initial %.1f pF, drain %.1f pF/read)", initial, drain)
	} else {
		src, err := sensor.FromDependencies(deps, conf.Source)
		if err != nil {
			return nil, fmt.Errorf("getting source sensor: %w", err)
		}
		reader = newSensorCapacitanceSource(src)
		logger.Infof("capacitance-sensor wrapping %q", conf.Source)
	}

	return &capacitanceSensor{
		name:   rawConf.ResourceName(),
		logger: logger,
		reader: reader,
		last:   map[ElectrodeID]float64{},
	}, nil
}

func (cs *capacitanceSensor) Name() resource.Name {
	return cs.name
}

// Readings reports one value per electrode, keyed by its decimal id. The
// electrodes are taken from extra["electrodes"], falling back to the set
// polled last.
func (cs *capacitanceSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	electrodes, err := parseElectrodeList(extra[electrodesExtraKey])
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	if len(electrodes) == 0 {
		electrodes = append([]ElectrodeID(nil), cs.lastElectrodes...)
	}
	cs.mu.Unlock()

	result := make(map[string]interface{}, len(electrodes))
	if len(electrodes) == 0 {
		return result, nil
	}

	values, err := cs.reader.ReadCapacitance(ctx, electrodes)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	cs.lastElectrodes = electrodes
	for e, v := range values {
		cs.last[e] = v
	}
	cs.mu.Unlock()

	for e, v := range values {
		result[strconv.FormatUint(uint64(e), 10)] = v
	}
	return result, nil
}

func (cs *capacitanceSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "refill":
		mock, ok := cs.reader.(*mockDrainReader)
		if !ok {
			return nil, fmt.Errorf("refill is only supported with use_mock_drain")
		}
		electrodes, err := parseElectrodeList(cmd[electrodesExtraKey])
		if err != nil {
			return nil, err
		}
		mock.Refill(electrodes)
		cs.logger.Infof("mock electrodes refilled: %v", electrodes)
		return map[string]interface{}{"status": "refilled"}, nil
	case "last":
		cs.mu.Lock()
		defer cs.mu.Unlock()
		out := make(map[string]interface{}, len(cs.last))
		for e, v := range cs.last {
			out[strconv.FormatUint(uint64(e), 10)] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (cs *capacitanceSensor) Close(context.Context) error {
	return nil
}
