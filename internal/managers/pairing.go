package managers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"bluebridge-api/internal/bluez"
	"bluebridge-api/internal/btshell"
)

// Pairing runs in one of two modes. Without a PIN the BlueZ Pair method is
// called directly over the bus. With a PIN an interactive bluetoothctl shell
// is driven through a small state machine so the legacy PIN prompt can be
// answered; BlueZ offers no bus-level hook for that prompt short of
// registering a full agent.

type pairState int

const (
	pairIdle pairState = iota
	pairRequested
	pairPinPrompted
	pairSucceeded
	pairAuthFailed
	pairFailed
)

// Prompt pattern indexes shared by the request and PIN states.
const (
	patPinPrompt = iota
	patFailedToPair
	patAuthFailed
	patSuccess
	patAlreadyExists
)

var pairPatterns = []string{
	"Enter PIN code:",
	"Failed to pair",
	"Authentication Failed",
	"Pairing successful",
	"AlreadyExists",
}

// Pair pairs with the device, optionally answering a legacy PIN prompt and
// optionally marking the device trusted afterwards. Trust failures are
// logged, not returned: the pairing itself succeeded.
func (m *BluetoothManager) Pair(ctx context.Context, device, pin string, trust bool) error {
	addr, err := m.Resolve(ctx, device)
	if err != nil {
		return err
	}

	if pin != "" {
		err = m.pairWithPin(addr, pin)
	} else {
		err = m.pairJustWorks(ctx, addr)
	}
	if err != nil {
		return err
	}

	if trust {
		props, perr := m.deviceProps(addr)
		if perr == nil {
			if terr := m.bus.TrustDevice(props.Path); terr != nil {
				log.Warn().Err(terr).Str("address", addr).Msg("Trust failed after pairing")
			}
		} else {
			log.Warn().Err(perr).Str("address", addr).Msg("Device lookup failed after pairing, skipping trust")
		}
	}

	log.Info().Str("address", addr).Bool("pin", pin != "").Msg("Paired")
	return nil
}

// pairJustWorks pairs over the bus with no PIN exchange. The device must be
// present in the object model; one scan is attempted if it is not.
func (m *BluetoothManager) pairJustWorks(ctx context.Context, addr string) error {
	props, err := m.deviceProps(addr)
	if errors.Is(err, ErrDeviceNotFound) {
		if _, serr := m.Scan(ctx, 0); serr != nil {
			return serr
		}
		props, err = m.deviceProps(addr)
	}
	if err != nil {
		return err
	}

	if err := m.bus.PairDevice(props.Path); err != nil {
		if m.isAuthenticationFailed(err) {
			return fmt.Errorf("%w: %s", ErrAuthenticationFailed, addr)
		}
		if m.isAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrPairingFailed, addr, err)
	}
	return nil
}

// pairWithPin drives bluetoothctl: register a keyboard-only agent, request
// the pairing, and answer the PIN prompt when it appears. The shell is torn
// down unconditionally on return.
func (m *BluetoothManager) pairWithPin(addr, pin string) error {
	shell, err := m.newShell()
	if err != nil {
		return fmt.Errorf("%w: control shell: %v", ErrPairingFailed, err)
	}
	defer shell.Close()

	prompt := "[bluetooth"
	steps := []string{"agent KeyboardOnly", "default-agent"}
	if _, err := shell.Expect(m.cfg.PairTimeout, prompt); err != nil {
		return fmt.Errorf("%w: shell prompt: %v", ErrPairingFailed, err)
	}
	for _, cmd := range steps {
		if err := shell.SendLine(cmd); err != nil {
			return fmt.Errorf("%w: %v", ErrPairingFailed, err)
		}
		if _, err := shell.Expect(m.cfg.PairTimeout, prompt); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPairingFailed, cmd, err)
		}
	}

	state := pairIdle
	if err := shell.SendLine("pair " + addr); err != nil {
		return fmt.Errorf("%w: %v", ErrPairingFailed, err)
	}
	state = pairRequested

	for {
		switch state {
		case pairRequested, pairPinPrompted:
			idx, err := shell.Expect(m.cfg.PairTimeout, pairPatterns...)
			if err != nil {
				if errors.Is(err, btshell.ErrTimeout) {
					return fmt.Errorf("%w: %s: no pairing outcome within %s", ErrPairingFailed, addr, m.cfg.PairTimeout)
				}
				return fmt.Errorf("%w: %s: %v", ErrPairingFailed, addr, err)
			}
			switch idx {
			case patPinPrompt:
				if state == pairPinPrompted {
					// A second prompt means the first PIN was rejected.
					state = pairAuthFailed
					break
				}
				if err := shell.SendLine(pin); err != nil {
					return fmt.Errorf("%w: %v", ErrPairingFailed, err)
				}
				state = pairPinPrompted
			case patSuccess, patAlreadyExists:
				state = pairSucceeded
			case patAuthFailed:
				state = pairAuthFailed
			case patFailedToPair:
				state = pairFailed
			}
		case pairSucceeded:
			return nil
		case pairAuthFailed:
			return fmt.Errorf("%w: %s", ErrAuthenticationFailed, addr)
		case pairFailed:
			return fmt.Errorf("%w: %s", ErrPairingFailed, addr)
		default:
			return fmt.Errorf("%w: %s", ErrPairingFailed, addr)
		}
	}
}

// Unpair removes the device from the adapter, discarding its link keys.
func (m *BluetoothManager) Unpair(ctx context.Context, device string) error {
	addr, err := m.Resolve(ctx, device)
	if err != nil {
		return err
	}
	props, err := m.deviceProps(addr)
	if err != nil {
		return err
	}
	if err := m.bus.RemoveDevice(props.Path); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrAdapter, addr, err)
	}
	log.Info().Str("address", addr).Msg("Unpaired")
	return nil
}

// IsPaired reports whether the device is currently paired. Resolution or
// query failures degrade to false.
func (m *BluetoothManager) IsPaired(ctx context.Context, device string) bool {
	info, err := m.GetDeviceInfo(ctx, device)
	if err != nil {
		return false
	}
	return info.Paired
}

// IsDeviceConnected reports the link-level Connected property. Resolution
// or query failures degrade to false.
func (m *BluetoothManager) IsDeviceConnected(ctx context.Context, device string) bool {
	info, err := m.GetDeviceInfo(ctx, device)
	if err != nil {
		return false
	}
	return info.Connected
}

func (m *BluetoothManager) isAuthenticationFailed(err error) bool {
	return bluez.IsAuthenticationFailed(err)
}

func (m *BluetoothManager) isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "AlreadyExists")
}
