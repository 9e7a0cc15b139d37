package types

import (
	"fmt"
	"strings"
	"time"
)

// Protocol identifies the kind of connectivity check a target performs.
type Protocol string

const (
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
	ProtocolICMP Protocol = "ICMP"
	// ProtocolADDC is the composite Active Directory DC shortcut: it expands
	// into one TCP check per well-known AD port.
	ProtocolADDC Protocol = "AD_DC"
)

// ADDCServices maps the well-known Active Directory DC ports to their service
// names. A composite target covers every entry.
var ADDCServices = map[uint16]string{
	88:   "Kerberos",
	139:  "NetBIOS",
	389:  "LDAP",
	445:  "SMB",
	464:  "Kerberos Password Change",
	636:  "LDAPS",
	3268: "Global Catalog",
	3269: "Global Catalog SSL",
}

// ParseProtocol normalizes a configured protocol string.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToUpper(strings.TrimSpace(s))) {
	case ProtocolTCP:
		return ProtocolTCP, nil
	case ProtocolUDP:
		return ProtocolUDP, nil
	case ProtocolICMP:
		return ProtocolICMP, nil
	case ProtocolADDC, "ADDC", "AD-DC":
		return ProtocolADDC, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// RequiresPort reports whether targets of this protocol must carry a port.
func (p Protocol) RequiresPort() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// Target is one concrete reachability check. Targets are immutable once
// materialized; reconfiguration replaces them wholesale.
type Target struct {
	Host       string        `json:"host" yaml:"host"`
	Protocol   Protocol      `json:"protocol" yaml:"protocol"`
	Port       uint16        `json:"port,omitempty" yaml:"port,omitempty"`
	DeviceName string        `json:"device_name,omitempty" yaml:"device_name,omitempty"`
	AlertGroup string        `json:"alert_group,omitempty" yaml:"alert_group,omitempty"`
	AlertDelay time.Duration `json:"alert_delay" yaml:"alert_delay"`

	// Service is set on TCP sub-targets expanded from a composite target and
	// names the AD service behind the port.
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
}

// ID is the target's identity key: host, protocol, and port (or "ping" for
// portless protocols). Two targets with the same ID are the same check.
func (t Target) ID() string {
	port := "ping"
	if t.Protocol.RequiresPort() {
		port = fmt.Sprintf("%d", t.Port)
	}
	return fmt.Sprintf("%s_%s_%s", t.Host, t.Protocol, port)
}

// Label is the human-readable name used in status surfaces and log lines.
func (t Target) Label() string {
	if t.Protocol == ProtocolICMP {
		return fmt.Sprintf("%s ICMP", t.Host)
	}
	if t.Protocol == ProtocolADDC {
		return fmt.Sprintf("%s AD DC", t.Host)
	}
	return fmt.Sprintf("%s %s %d", t.Host, t.Protocol, t.Port)
}

// Device returns the display name for the host this target belongs to.
func (t Target) Device() string {
	if t.DeviceName != "" {
		return t.DeviceName
	}
	return t.Host
}
