package valveautomation

import (
	"context"
	"fmt"
	"strconv"

	"go.viam.com/rdk/components/sensor"
)

// CapacitanceSource reads one capacitance per electrode. Calls may block on
// device I/O.
type CapacitanceSource interface {
	ReadCapacitance(ctx context.Context, electrodes []ElectrodeID) (map[ElectrodeID]float64, error)
}

// electrodesExtraKey carries the requested electrode list in Readings extra.
const electrodesExtraKey = "electrodes"

// sensorCapacitanceSource reads capacitances from a sensor component whose
// readings are keyed by electrode id.
type sensorCapacitanceSource struct {
	sensor sensor.Sensor
}

func newSensorCapacitanceSource(s sensor.Sensor) *sensorCapacitanceSource {
	return &sensorCapacitanceSource{sensor: s}
}

func (s *sensorCapacitanceSource) ReadCapacitance(ctx context.Context, electrodes []ElectrodeID) (map[ElectrodeID]float64, error) {
	ids := make([]interface{}, len(electrodes))
	for i, e := range electrodes {
		ids[i] = int(e)
	}
	readings, err := s.sensor.Readings(ctx, map[string]interface{}{electrodesExtraKey: ids})
	if err != nil {
		return nil, fmt.Errorf("%w: reading capacitance: %v", ErrDevice, err)
	}

	out := make(map[ElectrodeID]float64, len(electrodes))
	for _, e := range electrodes {
		key := strconv.FormatUint(uint64(e), 10)
		val, ok := readings[key]
		if !ok {
			return nil, fmt.Errorf("%w: readings missing electrode %d", ErrDevice, e)
		}
		f, err := toFloat(val)
		if err != nil {
			return nil, fmt.Errorf("%w: electrode %d: %v", ErrDevice, e, err)
		}
		out[e] = f
	}
	return out, nil
}

func toFloat(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("reading is not numeric: %T", val)
	}
}

// parseElectrodeList accepts the JSON-ish shapes DoCommand and Readings
// extras arrive in.
func parseElectrodeList(raw interface{}) ([]ElectrodeID, error) {
	var items []interface{}
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		items = v
	case []int:
		out := make([]ElectrodeID, 0, len(v))
		for _, i := range v {
			if i < 0 {
				return nil, fmt.Errorf("electrode id %d is negative", i)
			}
			out = append(out, ElectrodeID(i))
		}
		return out, nil
	case []ElectrodeID:
		return v, nil
	default:
		return nil, fmt.Errorf("electrodes must be a list, got %T", raw)
	}

	out := make([]ElectrodeID, 0, len(items))
	for _, item := range items {
		f, err := toFloat(item)
		if err != nil {
			return nil, fmt.Errorf("electrode id: %w", err)
		}
		if f < 0 || f != float64(uint32(f)) {
			return nil, fmt.Errorf("electrode id %v is not a non-negative integer", item)
		}
		out = append(out, ElectrodeID(f))
	}
	return out, nil
}
