// Package model contains domain models passed between layers.
package model

import "time"

// Telemetry is one normalized position report accepted by the ingest service.
// Optional readings are nil when the device did not send them.
type Telemetry struct {
	DeviceID  string    `json:"deviceId"`
	IMEI      string    `json:"imei,omitempty"`
	TenantID  string    `json:"tenantId,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"` // event time reported by the device

	Battery     *float64 `json:"battery,omitempty"` // percent
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Collision   *float64 `json:"collision,omitempty"`
	Tilt        *float64 `json:"tilt,omitempty"`
	RSSI        *float64 `json:"rssi,omitempty"`
	Speed       *float64 `json:"speed,omitempty"` // km/h
	Heading     *float64 `json:"heading,omitempty"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	Satellites  *float64 `json:"satellites,omitempty"`
	Altitude    *float64 `json:"altitude,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Snapshot is the latest known state of a device. Last writer wins.
type Snapshot struct {
	Telemetry
	ReceivedAt time.Time `json:"receivedAt"`
}

// HistoryPoint is a compact track entry scored by its event timestamp.
type HistoryPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Speed       *float64  `json:"speed,omitempty"`
	Heading     *float64  `json:"heading,omitempty"`
	Battery     *float64  `json:"battery,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Point derives the history entry for t.
func (t Telemetry) Point() HistoryPoint {
	return HistoryPoint{
		Timestamp:   t.Timestamp,
		Latitude:    t.Latitude,
		Longitude:   t.Longitude,
		Speed:       t.Speed,
		Heading:     t.Heading,
		Battery:     t.Battery,
		Temperature: t.Temperature,
	}
}

// Stats is a point-in-time view of ingest activity.
type Stats struct {
	Accepted      int64 `json:"accepted"`
	Rejected      int64 `json:"rejected"`
	StoreFailures int64 `json:"storeFailures"`
	PruneFailures int64 `json:"pruneFailures"`
	Pruned        int64 `json:"pruned"`
	Provisioned   int64 `json:"provisioned"`
}
