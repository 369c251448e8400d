/*Package mapper decodes raw telemetry payloads into platform measurements

The wire contract is UTF-8 JSON of the fixed shape

	{
	  "timestamp": "2026-01-14T12:00:00Z",
	  "temperature": 23.5,
	  "pressure": 90
	}

The timestamp is required, temperature and pressure are optional and
forwarded as absent values when missing. A payload that is not valid JSON,
has fields of the wrong type or lacks a parseable timestamp yields a
DecodeError.
*/
package mapper

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/pulsarbridge/bridge/platform"
)

// MeasurementType is the type tag of all measurements the bridge creates.
const MeasurementType = "TempPress"

const (
	temperatureUnit = "°C"
	pressureUnit    = "kPa"
)

// DecodeError reports a payload that cannot be turned into telemetry.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "cannot decode payload: " + e.Reason
}

const telemetrySchema = `{
  "type": "object",
  "required": ["timestamp"],
  "properties": {
    "timestamp": {"type": "string"},
    "temperature": {"type": "number"},
    "pressure": {"type": "number"}
  }
}`

var compiledTelemetrySchema = mustCompileSchema(telemetrySchema)

func mustCompileSchema(schema string) *gojsonschema.Schema {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(err)
	}
	return compiled
}

// Telemetry is one decoded telemetry reading. Temperature and pressure
// are nil when the payload did not carry them.
type Telemetry struct {
	Timestamp   time.Time
	Temperature *float64
	Pressure    *float64
}

// Decode interprets raw as a telemetry payload of the fixed shape.
func Decode(raw []byte) (Telemetry, error) {
	result, err := compiledTelemetrySchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Telemetry{}, &DecodeError{Reason: "payload is not valid JSON"}
	}
	if !result.Valid() {
		return Telemetry{}, &DecodeError{Reason: result.Errors()[0].String()}
	}

	var payload struct {
		Timestamp   string   `json:"timestamp"`
		Temperature *float64 `json:"temperature"`
		Pressure    *float64 `json:"pressure"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Telemetry{}, &DecodeError{Reason: err.Error()}
	}
	timestamp, err := time.Parse(time.RFC3339, payload.Timestamp)
	if err != nil {
		return Telemetry{}, &DecodeError{Reason: "timestamp is not ISO-8601: " + payload.Timestamp}
	}
	return Telemetry{
		Timestamp:   timestamp,
		Temperature: payload.Temperature,
		Pressure:    payload.Pressure,
	}, nil
}

// Measurement builds the platform measurement for one telemetry reading
// of the given device. Absent readings are omitted from the fragment.
func Measurement(t Telemetry, deviceID string) platform.Measurement {
	fragment := &platform.TempPress{}
	if t.Temperature != nil {
		fragment.Temperature = &platform.Value{Value: *t.Temperature, Unit: temperatureUnit}
	}
	if t.Pressure != nil {
		fragment.Pressure = &platform.Value{Value: *t.Pressure, Unit: pressureUnit}
	}
	return platform.Measurement{
		Type:      MeasurementType,
		Time:      t.Timestamp,
		Source:    platform.Source{ID: deviceID},
		TempPress: fragment,
	}
}
