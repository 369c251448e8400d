package platform

import (
	"context"
	"net/http"
	"time"
)

// Value is a single measurement reading with a unit.
type Value struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Source identifies the device a measurement belongs to.
type Source struct {
	ID string `json:"id"`
}

// TempPress is the fixed temperature/pressure measurement fragment.
// Absent readings are omitted, a partial measurement is legal.
type TempPress struct {
	Temperature *Value `json:"temperature,omitempty"`
	Pressure    *Value `json:"pressure,omitempty"`
}

// Measurement is one typed, timestamped telemetry fragment for a device.
// Measurements are write-once, the bridge never updates or deletes them.
type Measurement struct {
	Type      string     `json:"type"`
	Time      time.Time  `json:"time"`
	Source    Source     `json:"source"`
	TempPress *TempPress `json:"TempPress,omitempty"`
}

// MeasurementsAPI is the measurement ingestion api.
type MeasurementsAPI struct {
	client *Client
}

// Create submits one measurement.
func (a MeasurementsAPI) Create(ctx context.Context, m Measurement) error {
	_, err := a.client.do(ctx, http.MethodPost, "/measurement/measurements", &m, nil)
	return err
}
