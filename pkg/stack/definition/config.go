package definition

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

// Mode selects which operating configuration the driver wires: a pure
// Perfect Link benchmark, FIFO broadcast, or Lattice Agreement.
type Mode string

const (
	ModePL      Mode = "pl"
	ModeFIFO    Mode = "fifo"
	ModeLattice Mode = "lattice"
)

// ErrMissingConfig is returned when a mode that requires a config file is
// started without one.
var ErrMissingConfig = fmt.Errorf("missing config file")

// ErrBadConfig is returned for structurally invalid config file content.
var ErrBadConfig = fmt.Errorf("malformed config file")

// PLConfig is the `pl` mode config: line 1 = `<n_messages> <receiver_id>`.
type PLConfig struct {
	NMessages  int
	ReceiverId types.ProcessId
}

// FIFOConfig is the `fifo` mode config: line 1 = `<n_messages>`.
type FIFOConfig struct {
	NMessages int
}

// LatticeConfig is the `lattice` mode config: line 1 = `<p> <vs> <ds>`,
// followed by one proposal per line.
type LatticeConfig struct {
	NProposals  int
	MaxProposal int
	MaxDecided  int
	Proposals   [][]uint32
}

func openConfig(mode Mode, path string) (*bufio.Scanner, *os.File, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("%w: mode %q requires a config file", ErrMissingConfig, mode)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	return bufio.NewScanner(f), f, nil
}

// ParsePLConfig parses a `pl` mode config file.
func ParsePLConfig(path string) (*PLConfig, error) {
	scanner, f, err := openConfig(ModePL, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: empty pl config", ErrBadConfig)
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) != 2 {
		return nil, fmt.Errorf("%w: pl config line 1 expects 2 fields, got %d", ErrBadConfig, len(fields))
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad n_messages %q", ErrBadConfig, fields[0])
	}
	rid, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: bad receiver id %q", ErrBadConfig, fields[1])
	}
	return &PLConfig{NMessages: n, ReceiverId: types.ProcessId(rid)}, nil
}

// ParseFIFOConfig parses a `fifo` mode config file.
func ParseFIFOConfig(path string) (*FIFOConfig, error) {
	scanner, f, err := openConfig(ModeFIFO, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: empty fifo config", ErrBadConfig)
	}
	n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad n_messages %q", ErrBadConfig, scanner.Text())
	}
	return &FIFOConfig{NMessages: n}, nil
}

// ParseLatticeConfig parses a `lattice` mode config file: line 1 gives
// `<p> <vs> <ds>`, and each subsequent line is one proposal as a
// space-separated list of unsigned integers.
func ParseLatticeConfig(path string) (*LatticeConfig, error) {
	scanner, f, err := openConfig(ModeLattice, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: empty lattice config", ErrBadConfig)
	}
	header := strings.Fields(scanner.Text())
	if len(header) != 3 {
		return nil, fmt.Errorf("%w: lattice config line 1 expects 3 fields, got %d", ErrBadConfig, len(header))
	}
	p, err1 := strconv.Atoi(header[0])
	vs, err2 := strconv.Atoi(header[1])
	ds, err3 := strconv.Atoi(header[2])
	if err1 != nil || err2 != nil || err3 != nil || p < 0 || vs < 0 || ds < 0 {
		return nil, fmt.Errorf("%w: bad p/vs/ds header", ErrBadConfig)
	}

	cfg := &LatticeConfig{NProposals: p, MaxProposal: vs, MaxDecided: ds}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		values := make([]uint32, 0, len(fields))
		for _, field := range fields {
			v, err := strconv.ParseUint(field, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: bad proposal value %q", ErrBadConfig, field)
			}
			values = append(values, uint32(v))
		}
		cfg.Proposals = append(cfg.Proposals, values)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading lattice config %q: %w", path, err)
	}
	return cfg, nil
}
