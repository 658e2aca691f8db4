package connwatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DialLink treats the link as associated when a TCP connection to
// ProbeAddress can be established. Association itself is delegated to
// an optional external command (for example nmcli or wpa_cli), since
// on Linux the network stack is owned by the system's network manager.
type DialLink struct {
	// ProbeAddress is the host:port dialed by Status.
	ProbeAddress string

	// ConnectCommand is run by Connect with FIELDNODE_SSID and
	// FIELDNODE_PASSWORD in its environment. Empty means Connect is a
	// no-op and association is left to the system.
	ConnectCommand []string

	// DialTimeout bounds each probe (default: 3s).
	DialTimeout time.Duration

	Logger *slog.Logger
}

// Connect runs the configured connect command, if any.
func (l *DialLink) Connect(ctx context.Context, ssid, password string) error {
	if len(l.ConnectCommand) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, l.ConnectCommand[0], l.ConnectCommand[1:]...)
	cmd.Env = append(os.Environ(),
		"FIELDNODE_SSID="+ssid,
		"FIELDNODE_PASSWORD="+password,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("connect command %s: %w (output: %s)",
			l.ConnectCommand[0], err, strings.TrimSpace(string(out)))
	}
	if l.Logger != nil {
		l.Logger.Debug("connect command finished",
			"command", l.ConnectCommand[0],
			"output", strings.TrimSpace(string(out)),
		)
	}
	return nil
}

// Status dials ProbeAddress and reports Associated on success.
func (l *DialLink) Status(ctx context.Context) LinkStatus {
	timeout := l.DialTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.ProbeAddress)
	if err != nil {
		if l.Logger != nil {
			l.Logger.Debug("link probe failed", "address", l.ProbeAddress, "error", err)
		}
		return NotAssociated
	}
	conn.Close()
	return Associated
}

// ErrNoInterface is returned when the wireless interface is not listed
// in /proc/net/wireless.
var ErrNoInterface = errors.New("interface not found in wireless stats")

// WirelessSignal reports the signal level of a wireless interface in
// dBm, read from /proc/net/wireless.
type WirelessSignal struct {
	Interface string
	// Path overrides /proc/net/wireless (tests).
	Path string
}

// RSSI returns the current signal level in dBm.
func (w WirelessSignal) RSSI() (int, error) {
	path := w.Path
	if path == "" {
		path = "/proc/net/wireless"
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return parseWireless(f, w.Interface)
}

// parseWireless extracts the level column for iface. The file looks
// like:
//
//	Inter-| sta-|   Quality        |   Discarded packets
//	 face | tus | link level noise |  nwid  crypt   frag
//	 wlan0: 0000   54.  -56.  -256        0      0      0
func parseWireless(r io.Reader, iface string) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		name, rest, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) != iface {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			return 0, fmt.Errorf("short wireless stats line for %s", iface)
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "."), 64)
		if err != nil {
			return 0, fmt.Errorf("parse signal level %q: %w", fields[2], err)
		}
		return int(level), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s: %w", iface, ErrNoInterface)
}
