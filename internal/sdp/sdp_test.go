package sdp

import (
	"context"
	"errors"
	"testing"
)

const sppBrowseOutput = `Browsing AA:BB:CC:DD:EE:FF ...
Service Name: Serial Port
Service RecHandle: 0x10001
Service Class ID List:
  "Serial Port" (0x1101)
Protocol Descriptor List:
  "L2CAP" (0x0100)
  "RFCOMM" (0x0003)
    Channel: 1
Language Base Attr List:
  code_ISO639: 0x656e
  encoding:    0x6a
  base_offset: 0x100
`

const multiServiceOutput = `Browsing 00:11:22:33:44:55 ...
Service Name: Headset Gateway
Service RecHandle: 0x10004
Protocol Descriptor List:
  "L2CAP" (0x0100)
  "RFCOMM" (0x0003)
    Channel: 2
Profile Descriptor List:
  "Headset" (0x1108)
    Version: 0x0102

Service Name: OBEX Object Push
Service RecHandle: 0x10005
Protocol Descriptor List:
  "L2CAP" (0x0100)
  "RFCOMM" (0x0003)
    Channel: 9
  "OBEX" (0x0008)
`

const noSerialOutput = `Browsing 00:11:22:33:44:55 ...
Service Name: Audio Sink
Service RecHandle: 0x10002
Protocol Descriptor List:
  "L2CAP" (0x0100)
    PSM: 25
  "AVDTP" (0x0019)
    uint16: 0x0103
`

func fixedRunner(out string, err error) Runner {
	return func(ctx context.Context, address string) ([]byte, error) {
		return []byte(out), err
	}
}

func TestRFCOMMChannelSerialPort(t *testing.T) {
	l := NewWithRunner(fixedRunner(sppBrowseOutput, nil))

	ch, ok, err := l.RFCOMMChannel(context.Background(), "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("RFCOMMChannel() error = %v", err)
	}
	if !ok {
		t.Fatal("RFCOMMChannel() ok = false, want true")
	}
	if ch != 1 {
		t.Errorf("RFCOMMChannel() = %d, want 1", ch)
	}
}

func TestRFCOMMChannelPicksFirst(t *testing.T) {
	l := NewWithRunner(fixedRunner(multiServiceOutput, nil))

	ch, ok, err := l.RFCOMMChannel(context.Background(), "00:11:22:33:44:55")
	if err != nil {
		t.Fatalf("RFCOMMChannel() error = %v", err)
	}
	if !ok || ch != 2 {
		t.Errorf("RFCOMMChannel() = %d/%v, want 2/true", ch, ok)
	}
}

func TestRFCOMMChannelNoSerial(t *testing.T) {
	l := NewWithRunner(fixedRunner(noSerialOutput, nil))

	_, ok, err := l.RFCOMMChannel(context.Background(), "00:11:22:33:44:55")
	if err != nil {
		t.Fatalf("RFCOMMChannel() error = %v", err)
	}
	if ok {
		t.Error("RFCOMMChannel() ok = true for device without serial service")
	}
}

func TestRFCOMMChannelRunnerError(t *testing.T) {
	wantErr := errors.New("browse failed")
	l := NewWithRunner(fixedRunner("", wantErr))

	_, _, err := l.RFCOMMChannel(context.Background(), "AA:BB:CC:DD:EE:FF")
	if !errors.Is(err, wantErr) {
		t.Errorf("RFCOMMChannel() error = %v, want %v", err, wantErr)
	}
}

func TestParseRecordsServiceNames(t *testing.T) {
	records := parseRecords([]byte(multiServiceOutput))
	if len(records) != 2 {
		t.Fatalf("parseRecords() returned %d records, want 2", len(records))
	}
	if records[0].Name != "Headset Gateway" || records[0].Channel != 2 {
		t.Errorf("first record = %+v", records[0])
	}
	if records[1].Name != "OBEX Object Push" || records[1].Channel != 9 {
		t.Errorf("second record = %+v", records[1])
	}
}
