// Package snmp switches a PDU outlet (or any integer OID) with SNMP v2c SET.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"powerrail/internal/config"
	power "powerrail/internal/power/domain"
)

const defaultPort = 161

type setFunc func(ctx context.Context, pdu gosnmp.SnmpPDU) (*gosnmp.SnmpPacket, error)

// Sink sets one OID to the value configured for each state.
type Sink struct {
	id       string
	oid      string
	onValue  int
	offValue int
	set      setFunc
}

// New validates settings and builds a sink.
func New(id string, cfg config.SNMPSink, timeout time.Duration) (*Sink, error) {
	if id == "" {
		return nil, errors.New("snmp: empty sink id")
	}
	if cfg.Host == "" {
		return nil, errors.New("snmp: host required")
	}
	if cfg.OID == "" {
		return nil, errors.New("snmp: oid required")
	}
	oid := cfg.OID
	if !strings.HasPrefix(oid, ".") {
		oid = "." + oid
	}
	community := cfg.Community
	if community == "" {
		community = "private"
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("snmp: invalid port %d", port)
	}

	s := &Sink{id: id, oid: oid, onValue: 1, offValue: 0}
	if cfg.OnValue != nil {
		s.onValue = *cfg.OnValue
	}
	if cfg.OffValue != nil {
		s.offValue = *cfg.OffValue
	}
	if s.onValue == s.offValue {
		return nil, errors.New("snmp: on_value and off_value must differ")
	}
	s.set = func(ctx context.Context, pdu gosnmp.SnmpPDU) (*gosnmp.SnmpPacket, error) {
		client := &gosnmp.GoSNMP{
			Target:    cfg.Host,
			Port:      uint16(port),
			Community: community,
			Version:   gosnmp.Version2c,
			Timeout:   timeout,
			Retries:   0,
			Context:   ctx,
		}
		if err := client.Connect(); err != nil {
			return nil, err
		}
		defer client.Conn.Close()
		return client.Set([]gosnmp.SnmpPDU{pdu})
	}
	return s, nil
}

// ID returns the sink id.
func (s *Sink) ID() string {
	return s.id
}

// Apply writes the value for state. Agent errors that a retry cannot
// fix (access, type, value) are fatal.
func (s *Sink) Apply(ctx context.Context, state power.State) error {
	var value int
	switch state {
	case power.StateOn:
		value = s.onValue
	case power.StateOff:
		value = s.offValue
	default:
		return power.Fatal(fmt.Errorf("snmp: cannot apply state %s", state))
	}

	packet, err := s.set(ctx, gosnmp.SnmpPDU{Name: s.oid, Type: gosnmp.Integer, Value: value})
	if err != nil {
		return power.Retryable(fmt.Errorf("snmp: set %s: %w", s.oid, err))
	}
	if packet == nil || packet.Error == gosnmp.NoError {
		return nil
	}
	err = fmt.Errorf("snmp: set %s: agent error %v (index %d)", s.oid, packet.Error, packet.ErrorIndex)
	switch packet.Error {
	case gosnmp.GenErr, gosnmp.ResourceUnavailable, gosnmp.CommitFailed, gosnmp.TooBig:
		return power.Retryable(err)
	default:
		return power.Fatal(err)
	}
}
