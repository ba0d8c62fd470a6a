// Package sdp resolves the RFCOMM channel a remote device exposes its serial
// service on, by browsing the device's SDP records with sdptool.
package sdp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProtocolRFCOMM is the protocol name sdptool prints for serial channels.
const ProtocolRFCOMM = "RFCOMM"

// ServiceRecord is one SDP service entry of a remote device.
type ServiceRecord struct {
	Name     string
	Protocol string
	Channel  int
}

// Runner executes the SDP browse for an address and returns its raw output.
// Swappable in tests.
type Runner func(ctx context.Context, address string) ([]byte, error)

// Lookup browses SDP records of remote devices.
type Lookup struct {
	run Runner
}

// New creates a Lookup backed by the system sdptool binary.
func New() *Lookup {
	return &Lookup{run: sdptoolBrowse}
}

// NewWithRunner creates a Lookup with a custom runner.
func NewWithRunner(run Runner) *Lookup {
	return &Lookup{run: run}
}

func sdptoolBrowse(ctx context.Context, address string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "sdptool", "browse", address).Output()
	if err != nil {
		return nil, fmt.Errorf("sdptool browse %s: %w", address, err)
	}
	return out, nil
}

// Services returns all SDP service records advertised by the device.
func (l *Lookup) Services(ctx context.Context, address string) ([]ServiceRecord, error) {
	out, err := l.run(ctx, address)
	if err != nil {
		return nil, err
	}
	return parseRecords(out), nil
}

// RFCOMMChannel returns the channel of the first RFCOMM service the device
// advertises. ok is false when the device has no RFCOMM service.
func (l *Lookup) RFCOMMChannel(ctx context.Context, address string) (channel int, ok bool, err error) {
	records, err := l.Services(ctx, address)
	if err != nil {
		return 0, false, err
	}
	for _, rec := range records {
		if rec.Protocol == ProtocolRFCOMM {
			return rec.Channel, true, nil
		}
	}
	return 0, false, nil
}

// parseRecords extracts service records from sdptool browse output. Records
// look like:
//
//	Service Name: Serial Port
//	Service RecHandle: 0x10001
//	Protocol Descriptor List:
//	  "L2CAP" (0x0100)
//	  "RFCOMM" (0x0003)
//	    Channel: 1
func parseRecords(out []byte) []ServiceRecord {
	var records []ServiceRecord
	var cur *ServiceRecord

	flush := func() {
		if cur != nil && cur.Protocol != "" {
			records = append(records, *cur)
		}
		cur = nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "Service Name:"):
			flush()
			cur = &ServiceRecord{Name: strings.TrimSpace(strings.TrimPrefix(trimmed, "Service Name:"))}
		case strings.HasPrefix(trimmed, "Service RecHandle:"):
			// Nameless records still open on the handle line.
			if cur == nil {
				cur = &ServiceRecord{}
			}
		case strings.HasPrefix(trimmed, `"RFCOMM"`):
			if cur == nil {
				cur = &ServiceRecord{}
			}
			cur.Protocol = ProtocolRFCOMM
		case strings.HasPrefix(trimmed, "Channel:"):
			if cur != nil && cur.Protocol == ProtocolRFCOMM && cur.Channel == 0 {
				if ch, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(trimmed, "Channel:"))); err == nil {
					cur.Channel = ch
				}
			}
		}
	}
	flush()
	return records
}
