// Package models defines the data types exposed by the BlueBridge API.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ByteList is a byte payload that marshals to a JSON array of integers
// (0-255) instead of base64, matching the wire format serial tooling expects.
type ByteList []byte

// MarshalJSON implements json.Marshaler.
func (b ByteList) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value out of range: %d", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// =============================================================================
// Devices
// =============================================================================

// DeviceInfo is an immutable snapshot of one discovered or known device.
// A fresh snapshot is produced on every scan or query; the address is the
// only stable identity.
type DeviceInfo struct {
	Address          string    `json:"address"`
	Name             string    `json:"name,omitempty"`
	Alias            string    `json:"alias,omitempty"`
	Paired           bool      `json:"paired"`
	Trusted          bool      `json:"trusted"`
	Connected        bool      `json:"connected"`
	Blocked          bool      `json:"blocked"`
	RSSI             *int16    `json:"rssi,omitempty"`
	ManufacturerID   *uint16   `json:"manufacturer_id,omitempty"`
	ManufacturerData ByteList  `json:"manufacturer_data,omitempty"`
	UUIDs            []string  `json:"uuids"`
	LastSeen         time.Time `json:"last_seen"`
}

// =============================================================================
// Connections
// =============================================================================

// ConnectionInfo is the metadata for one active RFCOMM session. It is owned
// and mutated only by its Session.
type ConnectionInfo struct {
	ConnectionID string     `json:"connection_id"` // device name or address
	Address      string     `json:"address"`
	Name         string     `json:"name,omitempty"`
	Port         int        `json:"port"` // resolved RFCOMM channel
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at"`
	IsConnected  bool       `json:"is_connected"`
}

// =============================================================================
// Messages
// =============================================================================

// MessageRecord is one logical exchange unit: the outbound payload plus, after
// a send-and-receive call, the response fragments that arrived inside the
// correlation window (text joined by newline, bytes concatenated in order).
type MessageRecord struct {
	SendMessage *string    `json:"send_message"`
	SendBytes   ByteList   `json:"send_bytes"`
	SentAt      *time.Time `json:"send_at"`

	ReceivedMessage *string    `json:"received_message"`
	ReceivedBytes   ByteList   `json:"received_bytes"`
	ReceivedAt      *time.Time `json:"received_at"`
}

// SendPayload returns the outbound bytes for the record. Text is UTF-8
// encoded and stored back into SendBytes so both views stay consistent.
// Exactly one of SendMessage/SendBytes must be set before sending.
func (r *MessageRecord) SendPayload() ([]byte, error) {
	switch {
	case r.SendMessage != nil:
		r.SendBytes = ByteList(*r.SendMessage)
		return r.SendBytes, nil
	case r.SendBytes != nil:
		return r.SendBytes, nil
	default:
		return nil, fmt.Errorf("message record has neither send_message nor send_bytes set")
	}
}

// =============================================================================
// API envelopes
// =============================================================================

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type HealthResponse struct {
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	AdapterEnabled bool      `json:"adapter_enabled"`
	Timestamp      time.Time `json:"timestamp"`
}

type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Device  string `json:"device,omitempty"`
}

type DeviceStatusResponse struct {
	Address   string `json:"address"`
	Paired    bool   `json:"paired"`
	Connected bool   `json:"connected"`
}

type AdapterStatusResponse struct {
	Adapter string `json:"adapter"`
	Enabled bool   `json:"enabled"`
}
