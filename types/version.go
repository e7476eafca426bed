// Package types holds the wire envelopes exchanged in payment-required
// headers.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope versions.
const (
	VersionLegacy  = 1
	VersionCurrent = 2
)

// DetectVersion reads the version field of an encoded envelope.
func DetectVersion(data []byte) (int, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, fmt.Errorf("decode envelope: %w", err)
	}
	if probe.Version == nil {
		return 0, fmt.Errorf("envelope has no version")
	}
	switch *probe.Version {
	case VersionLegacy, VersionCurrent:
		return *probe.Version, nil
	default:
		return 0, fmt.Errorf("unsupported envelope version %d", *probe.Version)
	}
}

// ParseDemand decodes a demand envelope of any supported version. Legacy
// demands are upgraded with received as the reference time.
func ParseDemand(data []byte, received time.Time) (*DemandEnvelope, error) {
	version, err := DetectVersion(data)
	if err != nil {
		return nil, err
	}
	if version == VersionLegacy {
		legacy, err := ToDemandV1(data)
		if err != nil {
			return nil, err
		}
		return legacy.Upgrade(received)
	}
	return ToDemandEnvelope(data)
}
