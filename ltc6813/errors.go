package ltc6813

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrTimeout         = errors.New("ltc6813: conversion timeout")
	ErrShortBuffer     = errors.New("ltc6813: destination buffer too short")
	ErrSelectionLength = errors.New("ltc6813: balancing selection does not match the chain")
)

// TransportError is a failure of the underlying bus. It is worth retrying on the next cycle.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ltc6813: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DeviceFailure names a register group that failed its PEC on one device.
type DeviceFailure struct {
	Device int
	Group  string
}

// CRCMismatch collects the per device PEC failures of one driver call.
type CRCMismatch struct {
	Failures []DeviceFailure
}

func (m *CRCMismatch) add(device int, group string) *CRCMismatch {
	if m == nil {
		m = &CRCMismatch{}
	}
	m.Failures = append(m.Failures, DeviceFailure{Device: device, Group: group})
	return m
}

// Devices returns the distinct chain positions that failed, in ascending order.
func (m *CRCMismatch) Devices() []int {
	if m == nil {
		return nil
	}
	seen := make(map[int]bool)
	var devices []int
	for _, f := range m.Failures {
		if !seen[f.Device] {
			seen[f.Device] = true
			devices = append(devices, f.Device)
		}
	}
	sort.Ints(devices)
	return devices
}

func (m *CRCMismatch) Error() string {
	parts := make([]string, len(m.Failures))
	for i, f := range m.Failures {
		parts[i] = fmt.Sprintf("%s@%d", f.Group, f.Device)
	}
	return "ltc6813: PEC error in " + strings.Join(parts, ", ")
}
