// Command reliastack is the driver binary (§6): it parses the hosts file
// and a mode-dependent config file, wires the requested layer stack, runs
// until SIGINT/SIGTERM, and flushes its event log before exiting.
package main

import (
	"fmt"
	"os"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/dvx-labs/reliastack/internal/driver"
	"github.com/dvx-labs/reliastack/pkg/stack/definition"
	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

var (
	app = kingpin.New("reliastack", "Layered reliable-broadcast and lattice-agreement driver.")

	id     = app.Flag("id", "this process's id, from the hosts file").Short('i').Required().Uint16()
	hosts  = app.Flag("hosts", "path to the hosts file").Required().String()
	output = app.Flag("output", "path to the output event log").Required().String()
	mode   = app.Flag("mode", "operating mode").Default(string(definition.ModeFIFO)).Enum(string(definition.ModePL), string(definition.ModeFIFO), string(definition.ModeLattice))

	configPath = app.Arg("config-path", "path to the mode-dependent config file").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	opts := driver.Options{
		Id:         types.ProcessId(*id),
		HostsPath:  *hosts,
		OutputPath: *output,
		Mode:       definition.Mode(*mode),
		ConfigPath: *configPath,
	}

	if err := driver.Run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "reliastack:", err)
		os.Exit(1)
	}
}
