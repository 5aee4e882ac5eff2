// Package topic maps device capabilities to MQTT wire paths.
//
// Every device capability corresponds to exactly one fixed path segment
// under the device's base topic:
//
//	devices/room1 + STATUS_TEMPERATURE -> devices/room1/status/temperature
//
// The capability set is closed; it mirrors the enumeration stored in the
// device registry.
package topic

import (
	"fmt"
	"strings"
)

// Capability identifies one telemetry or command kind a device supports.
type Capability string

const (
	StatusOnOff        Capability = "STATUS_ONOFF"
	StatusBrightness   Capability = "STATUS_BRIGHTNESS"
	StatusColor        Capability = "STATUS_COLOR"
	StatusTemperature  Capability = "STATUS_TEMPERATURE"
	StatusHumidity     Capability = "STATUS_HUMIDITY"
	CommandOnOff       Capability = "COMMAND_ONOFF"
	CommandBrightness  Capability = "COMMAND_BRIGHTNESS"
	CommandColor       Capability = "COMMAND_COLOR"
	CommandTemperature Capability = "COMMAND_TEMPERATURE"
)

var pathByCapability = map[Capability]string{
	StatusOnOff:        "status/onoff",
	StatusBrightness:   "status/brightness",
	StatusColor:        "status/color",
	StatusTemperature:  "status/temperature",
	StatusHumidity:     "status/humidity",
	CommandOnOff:       "command/onoff",
	CommandBrightness:  "command/brightness",
	CommandColor:       "command/color",
	CommandTemperature: "command/temperature",
}

var capabilityByPath = func() map[string]Capability {
	m := make(map[string]Capability, len(pathByCapability))
	for c, p := range pathByCapability {
		m[p] = c
	}
	return m
}()

// All returns every known capability.
func All() []Capability {
	caps := make([]Capability, 0, len(pathByCapability))
	for c := range pathByCapability {
		caps = append(caps, c)
	}
	return caps
}

// Valid reports whether c is part of the closed capability set.
func Valid(c Capability) bool {
	_, ok := pathByCapability[c]
	return ok
}

// IsStatus reports whether c is a device-to-system reading.
func (c Capability) IsStatus() bool {
	return strings.HasPrefix(string(c), "STATUS_")
}

// IsCommand reports whether c is a system-to-device directive.
func (c Capability) IsCommand() bool {
	return strings.HasPrefix(string(c), "COMMAND_")
}

// PathFor returns the fixed wire-path segment for a capability.
// An unknown capability is a programming error: the enumeration is closed
// and validated at the data layer, so PathFor panics rather than returning
// an error nobody can act on.
func PathFor(c Capability) string {
	p, ok := pathByCapability[c]
	if !ok {
		panic(fmt.Sprintf("topic: unknown capability %q", c))
	}
	return p
}

// SuffixFor returns the capability for a wire-path segment, if it is one
// of the known paths.
func SuffixFor(path string) (Capability, bool) {
	c, ok := capabilityByPath[path]
	return c, ok
}

// FullTopic joins a device base topic with the path segment for c.
func FullTopic(baseTopic string, c Capability) string {
	return baseTopic + "/" + PathFor(c)
}

// ExtractSuffix returns the capability encoded in fullTopic, given the
// device's base topic. It returns false when fullTopic is not under
// baseTopic, or when the trailing path is not a recognized capability
// path (adjacent topics sharing a prefix are expected noise, not errors).
func ExtractSuffix(fullTopic, baseTopic string) (Capability, bool) {
	rest, ok := strings.CutPrefix(fullTopic, baseTopic+"/")
	if !ok {
		return "", false
	}
	return SuffixFor(rest)
}
