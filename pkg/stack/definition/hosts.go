package definition

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

// ErrBadHostsFile is returned for any structurally invalid hosts file line.
var ErrBadHostsFile = fmt.Errorf("malformed hosts file")

// Host is one line of the hosts file: `id ip_or_hostname port`.
type Host struct {
	Id   types.ProcessId
	Addr string
	Port int
}

// UDPAddr resolves the host's dial/listen address.
func (h Host) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(h.Addr, strconv.Itoa(h.Port)))
}

// ParseHostsFile reads the §6 hosts file: one line per host, fields
// `id ip_or_hostname port`, with compact 1..N ids required.
func ParseHostsFile(path string) ([]Host, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening hosts file %q: %w", path, err)
	}
	defer f.Close()

	var hosts []Host
	seen := map[types.ProcessId]bool{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: line %d: expected 3 fields, got %d", ErrBadHostsFile, lineNo, len(fields))
		}
		id, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("%w: line %d: bad id %q", ErrBadHostsFile, lineNo, fields[0])
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: line %d: bad port %q", ErrBadHostsFile, lineNo, fields[2])
		}
		pid := types.ProcessId(id)
		if seen[pid] {
			return nil, fmt.Errorf("%w: line %d: duplicate id %d", ErrBadHostsFile, lineNo, pid)
		}
		seen[pid] = true
		hosts = append(hosts, Host{Id: pid, Addr: fields[1], Port: port})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading hosts file %q: %w", path, err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: no hosts", ErrBadHostsFile)
	}
	for i := 1; i <= len(hosts); i++ {
		if !seen[types.ProcessId(i)] {
			return nil, fmt.Errorf("%w: ids are not compact 1..N", ErrBadHostsFile)
		}
	}
	return hosts, nil
}
