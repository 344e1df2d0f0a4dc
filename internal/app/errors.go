package service

import "errors"

// Sentinel kinds returned by the ingest service.
var (
	// ErrDeviceNotProvisioned means neither the device id nor its IMEI alias
	// has a tenant mapping.
	ErrDeviceNotProvisioned = errors.New("device not provisioned")
	// ErrTenantMismatch means the payload names a tenant other than the
	// stored owner.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrDeviceClaimed means provisioning targeted a device owned by another
	// tenant.
	ErrDeviceClaimed = errors.New("device belongs to another tenant")
	ErrNotFound      = errors.New("not found")
	ErrInvalidRange  = errors.New("invalid time range")
	ErrInvalidInput  = errors.New("invalid input")
	// ErrPersistence wraps store failures that survived retries.
	ErrPersistence = errors.New("persistence failed")
)
