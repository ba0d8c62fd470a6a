package managers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"bluebridge-api/internal/bluez"
	"bluebridge-api/internal/models"
	"bluebridge-api/internal/session"
)

// Connect establishes an RFCOMM session with the device: a link-level
// connect when the device is known to BlueZ, an SDP lookup for the serial
// channel with retries, then the socket dial. An existing session for the
// same address is torn down and replaced.
func (m *BluetoothManager) Connect(ctx context.Context, device string) (*session.Session, error) {
	addr, err := m.Resolve(ctx, device)
	if err != nil {
		return nil, err
	}

	name := ""
	props, err := m.deviceProps(addr)
	switch {
	case err == nil:
		name = props.Name
		if cerr := m.bus.ConnectDevice(props.Path); cerr != nil {
			if bluez.IsProfileUnavailable(cerr) {
				// Serial-only peripherals expose no connectable profile at
				// the link level; the RFCOMM dial below still works.
				log.Debug().Str("address", addr).Msg("No connectable profile, proceeding to RFCOMM")
			} else {
				return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, addr, cerr)
			}
		}
	case errors.Is(err, ErrDeviceNotFound):
		// Direct-address connects may target devices BlueZ has never seen.
		log.Debug().Str("address", addr).Msg("Device absent from object model, skipping link connect")
	default:
		return nil, err
	}

	channel, err := m.findChannel(ctx, addr)
	if err != nil {
		return nil, err
	}

	sock, err := m.dial(addr, channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %s channel %d: %v", ErrConnectFailed, addr, channel, err)
	}

	sess := session.New(sock, addr, channel, name, session.Options{
		PollInterval: m.cfg.ReadPollInterval,
		EchoHistory:  m.cfg.EchoHistory,
	})

	m.mu.Lock()
	if prev, ok := m.sessions[addr]; ok {
		log.Warn().Str("address", addr).Msg("Replacing existing session")
		prev.Disconnect()
	}
	m.sessions[addr] = sess
	m.mu.Unlock()

	log.Info().Str("address", addr).Int("channel", channel).Msg("Connected")
	return sess, nil
}

// findChannel retries the SDP lookup a configured number of times; lookup
// errors count as a miss. Freshly connected devices often need a beat before
// their SDP records answer.
func (m *BluetoothManager) findChannel(ctx context.Context, addr string) (int, error) {
	attempts := m.cfg.SDPAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			m.sleep(m.cfg.SDPRetryDelay)
		}
		channel, ok, err := m.sdp.RFCOMMChannel(ctx, addr)
		if err != nil {
			log.Debug().Err(err).Str("address", addr).Int("attempt", i+1).Msg("SDP lookup failed")
			continue
		}
		if ok {
			return channel, nil
		}
	}
	return 0, fmt.Errorf("%w: no RFCOMM service on %s after %d attempts", ErrServiceNotFound, addr, attempts)
}

// Disconnect tears down the session for the device, if any, then drops the
// BlueZ link best-effort. Disconnecting an unconnected device is a no-op.
func (m *BluetoothManager) Disconnect(ctx context.Context, device string) error {
	addr, err := m.Resolve(ctx, device)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sess, ok := m.sessions[addr]
	if ok {
		delete(m.sessions, addr)
	}
	m.mu.Unlock()
	if ok {
		sess.Disconnect()
	}

	if props, perr := m.deviceProps(addr); perr == nil {
		if derr := m.bus.DisconnectDevice(props.Path); derr != nil {
			log.Debug().Err(derr).Str("address", addr).Msg("Link disconnect failed")
		}
	}

	log.Info().Str("address", addr).Msg("Disconnected")
	return nil
}

// DisconnectAll tears down every live session. Used on shutdown.
func (m *BluetoothManager) DisconnectAll() {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session.Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
}

// ActiveConnections snapshots the live session table.
func (m *BluetoothManager) ActiveConnections() []models.ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]models.ConnectionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Session returns the live session for the device. Absent sessions report
// the same closed-connection error the session itself does after teardown.
func (m *BluetoothManager) Session(ctx context.Context, device string) (*session.Session, error) {
	addr, err := m.Resolve(ctx, device)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	sess, ok := m.sessions[addr]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no active connection to %s", session.ErrConnectionClosed, addr)
	}
	return sess, nil
}
