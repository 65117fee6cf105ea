package driver

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dvx-labs/reliastack/pkg/stack/definition"
	"github.com/dvx-labs/reliastack/pkg/stack/eventlog"
	"github.com/dvx-labs/reliastack/pkg/stack/perfectlink"
	"github.com/dvx-labs/reliastack/pkg/stack/transporttest"
)

func TestFindHost(t *testing.T) {
	hosts := []definition.Host{{Id: 1, Addr: "127.0.0.1", Port: 9001}, {Id: 2, Addr: "127.0.0.1", Port: 9002}}

	h, ok := findHost(hosts, 2)
	require.True(t, ok)
	require.Equal(t, 9002, h.Port)

	_, ok = findHost(hosts, 3)
	require.False(t, ok)
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

// TestBuildPLStackDirectDeliveryMatchesScenarioA exercises §8 scenario A's
// wiring: host 1 sends 5 messages directly over its Perfect Link to host
// 2, with each side's log produced by buildPLStack's own subscription,
// not by any broadcast/FIFO layer.
func TestBuildPLStackDirectDeliveryMatchesScenarioA(t *testing.T) {
	network := transporttest.NewNetwork(1)
	a1, a2 := addr(9501), addr(9502)

	ep1 := network.NewEndpoint(a1)
	ep2 := network.NewEndpoint(a2)
	log := definition.NewLogger(1)
	clock := clockwork.NewRealClock()

	mgr1 := perfectlink.NewManager(1, ep1, log, clock)
	mgr1.SetIntervals(5*time.Millisecond, 5*time.Millisecond)
	mgr1.Add(2, a2)

	mgr2 := perfectlink.NewManager(2, ep2, log, clock)
	mgr2.SetIntervals(5*time.Millisecond, 5*time.Millisecond)
	mgr2.Add(1, a1)

	mgr1.Start()
	defer mgr1.Stop()
	mgr2.Start()
	defer mgr2.Stop()

	var senderOut, receiverOut strings.Builder
	senderLog := eventlog.New(&senderOut)
	receiverLog := eventlog.New(&receiverOut)

	senderCfgPath := writeConfig(t, "5 2\n")
	stack1, err := buildPLStack(Options{Id: 1, ConfigPath: senderCfgPath}, mgr1, senderLog)
	require.NoError(t, err)

	receiverCfgPath := writeConfig(t, "0 1\n")
	stack2, err := buildPLStack(Options{Id: 2, ConfigPath: receiverCfgPath}, mgr2, receiverLog)
	require.NoError(t, err)

	stack1.start()
	stack2.start()
	stack1.issue()
	stack2.issue()

	require.Eventually(t, func() bool {
		senderLog.Flush()
		receiverLog.Flush()
		return strings.Count(receiverOut.String(), "d 1 ") == 5
	}, 3*time.Second, 10*time.Millisecond)

	senderLog.Flush()
	require.Equal(t, "b 1\nb 2\nb 3\nb 4\nb 5\n", senderOut.String())

	receiverLog.Flush()
	for i := 1; i <= 5; i++ {
		require.Contains(t, receiverOut.String(), "d 1 "+strconv.Itoa(i)+"\n")
	}
}

func TestBuildModeStackUnknownMode(t *testing.T) {
	network := transporttest.NewNetwork(2)
	a1 := addr(9601)
	ep1 := network.NewEndpoint(a1)
	log := definition.NewLogger(1)
	clock := clockwork.NewRealClock()
	mgr1 := perfectlink.NewManager(1, ep1, log, clock)

	var out strings.Builder
	elog := eventlog.New(&out)

	_, err := buildModeStack(Options{Id: 1, Mode: definition.Mode("bogus")}, mgr1, elog, log, clock, 1)
	require.Error(t, err)
}
