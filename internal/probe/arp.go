package probe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
)

// FlagIncomplete is the ARP flag value of an entry whose resolution
// failed or has not completed.
const FlagIncomplete = "0x0"

// Entry is one row of the ARP table.
type Entry struct {
	IP     string
	HWType string
	Flags  string
	MAC    string
	Device string
}

// Reachable reports whether the entry counts as present. Only the
// incomplete flag means absent.
func (e Entry) Reachable() bool {
	return e.Flags != FlagIncomplete
}

// Table reads ARP snapshots in the /proc/net/arp format.
type Table struct {
	path string
}

// NewTable creates a table reader for the given file.
func NewTable(path string) *Table {
	return &Table{path: path}
}

// Snapshot reads the whole table.
func (t *Table) Snapshot(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open arp table: %w", err)
	}
	defer f.Close()

	return ParseTable(f)
}

// ParseTable parses /proc/net/arp content. The header line is skipped
// and malformed rows are ignored.
func ParseTable(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}

		// IP address  HW type  Flags  HW address  Mask  Device
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}

		entries = append(entries, Entry{
			IP:     fields[0],
			HWType: fields[1],
			Flags:  fields[2],
			MAC:    NormalizeMAC(fields[3]),
			Device: fields[5],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read arp table: %w", err)
	}

	return entries, nil
}

// NormalizeMAC returns the canonical lowercase colon form of a hardware
// address, or the lowercased input when it does not parse.
func NormalizeMAC(mac string) string {
	if hw, err := net.ParseMAC(mac); err == nil {
		return hw.String()
	}
	return strings.ToLower(strings.TrimSpace(mac))
}

// Match finds the entry for mac. When several rows carry the address,
// a reachable one wins over an incomplete one.
func Match(entries []Entry, mac string) (Entry, bool) {
	want := NormalizeMAC(mac)

	var found Entry
	ok := false
	for _, e := range entries {
		if e.MAC != want {
			continue
		}
		if !ok || (!found.Reachable() && e.Reachable()) {
			found = e
			ok = true
		}
	}
	return found, ok
}
