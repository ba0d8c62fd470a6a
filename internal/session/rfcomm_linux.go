//go:build linux

package session

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Dial opens an RFCOMM stream socket to the device on the given channel.
// The returned file is switched to non-blocking mode so the runtime poller
// handles it and read deadlines work.
func Dial(address string, channel int) (Socket, error) {
	bdaddr, err := parseBDAddr(address)
	if err != nil {
		return nil, fmt.Errorf("rfcomm dial %s: %w", address, err)
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{
		Addr:    bdaddr,
		Channel: uint8(channel),
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect %s channel %d: %w", address, channel, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm:"+address), nil
}

// parseBDAddr converts a MAC string to the byte order the kernel expects
// (BD_ADDR is stored reversed).
func parseBDAddr(address string) ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(address)
	if err != nil {
		return out, err
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("not a 6-byte address: %s", address)
	}
	for i := 0; i < 6; i++ {
		out[i] = hw[5-i]
	}
	return out, nil
}
