package relcomm

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relcomm-go/source/config"
)

// testConfig returns tunables fast enough for in-process scenarios.
func testConfig(policy string) *config.Config {
	cfg := config.Default()
	cfg.Broadcast = policy
	cfg.Timeout = 50 * time.Millisecond
	cfg.MessageTimeout = 3 * time.Second
	cfg.BroadcastTimeout = 500 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatMissLimit = 3
	return cfg
}

func makeNodes(basePort, count int) []*Node {
	nodes := make([]*Node, 0, count)
	for i := 0; i < count; i++ {
		addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: basePort + i}
		nodes = append(nodes, NewNode(addr, i))
	}
	return nodes
}

// startGroup spins up one communication core per node. skip lists agent
// numbers that stay offline (their endpoints exist only in the table).
func startGroup(t *testing.T, basePort, count int, cfg *config.Config, skip ...int) []*ReliableCommunication {
	t.Helper()
	skipped := make(map[int]bool)
	for _, id := range skip {
		skipped[id] = true
	}
	comms := make([]*ReliableCommunication, count)
	for i := 0; i < count; i++ {
		if skipped[i] {
			continue
		}
		nodes := makeNodes(basePort, count)
		comm, err := New(nodes[i], nodes, cfg)
		require.NoError(t, err)
		comms[i] = comm
	}
	return comms
}

func TestSendReceive(t *testing.T) {
	comms := startGroup(t, 5300, 2, testConfig("BEB"))

	if got := comms[0].Send(1, []byte("hello")); got != 1 {
		t.Fatalf("Send returned %d, want 1", got)
	}

	var buf []byte
	if !comms[1].Receive(&buf) {
		t.Fatal("Receive timed out")
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Errorf("received %q, want %q", buf, "hello")
	}
}

func TestSendToUnknownAgent(t *testing.T) {
	comms := startGroup(t, 5310, 2, testConfig("BEB"))

	if got := comms[0].Send(7, []byte("void")); got != 0 {
		t.Errorf("Send to unknown id returned %d, want 0", got)
	}
}

func TestSendToDeadPeer(t *testing.T) {
	comms := startGroup(t, 5320, 2, testConfig("BEB"))

	comms[0].Group.Mu.Lock()
	comms[0].Group.Nodes[1].State = StateDead
	comms[0].Group.Mu.Unlock()

	if got := comms[0].Send(1, []byte("to the grave")); got != 0 {
		t.Errorf("Send to dead peer returned %d, want 0", got)
	}
}

func TestTwoSendersOneReceiver(t *testing.T) {
	cfg := testConfig("BEB")
	cfg.LossRate = 0.1
	comms := startGroup(t, 5330, 3, cfg)

	done := make(chan uint32, 2)
	go func() { done <- comms[0].Send(2, []byte("x")) }()
	go func() { done <- comms[1].Send(2, []byte("y")) }()

	for i := 0; i < 2; i++ {
		if got := <-done; got != 1 {
			t.Errorf("sender %d returned %d, want 1", i, got)
		}
	}

	got := make(map[string]int)
	for i := 0; i < 2; i++ {
		var buf []byte
		if !comms[2].Receive(&buf) {
			t.Fatal("Receive timed out")
		}
		got[string(buf)]++
	}
	if got["x"] != 1 || got["y"] != 1 {
		t.Errorf("deliveries = %v, want x and y exactly once", got)
	}

	// Nothing else may arrive: each message exactly once, even under loss.
	deadline := time.After(200 * time.Millisecond)
	extra := make(chan struct{}, 1)
	go func() {
		var buf []byte
		if comms[2].Receive(&buf) {
			extra <- struct{}{}
		}
	}()
	select {
	case <-extra:
		t.Error("received a duplicate message")
	case <-deadline:
	}
}

func TestURBBroadcastReachesEveryone(t *testing.T) {
	comms := startGroup(t, 5340, 3, testConfig("URB"))

	got := comms[0].Broadcast([]byte("to all"))
	if got == 0 {
		t.Fatal("URB broadcast returned 0")
	}

	for i, comm := range comms {
		var buf []byte
		if !comm.Receive(&buf) {
			t.Fatalf("agent %d never received the broadcast", i)
		}
		if !bytes.Equal(buf, []byte("to all")) {
			t.Errorf("agent %d received %q, want %q", i, buf, "to all")
		}
	}
}

func TestURBBroadcastMultiFragment(t *testing.T) {
	comms := startGroup(t, 5350, 3, testConfig("URB"))

	message := make([]byte, 2900) // three fragments
	for i := range message {
		message[i] = byte(i * 7)
	}

	if got := comms[1].Broadcast(message); got == 0 {
		t.Fatal("URB broadcast returned 0")
	}

	for i, comm := range comms {
		var buf []byte
		if !comm.Receive(&buf) {
			t.Fatalf("agent %d never received the broadcast", i)
		}
		if !bytes.Equal(buf, message) {
			t.Errorf("agent %d reassembled %d bytes incorrectly", i, len(buf))
		}
	}
}

func TestABBroadcastTotalOrder(t *testing.T) {
	comms := startGroup(t, 5360, 3, testConfig("AB"))

	// Non-leader broadcasts route through agent 0, the leader.
	if got := comms[2].Broadcast([]byte("m0")); got == 0 {
		t.Fatal("AB broadcast of m0 returned 0")
	}
	if got := comms[1].Broadcast([]byte("m1")); got == 0 {
		t.Fatal("AB broadcast of m1 returned 0")
	}

	for i, comm := range comms {
		var first, second []byte
		if !comm.Receive(&first) || !comm.Receive(&second) {
			t.Fatalf("agent %d did not receive both broadcasts", i)
		}
		if !bytes.Equal(first, []byte("m0")) || !bytes.Equal(second, []byte("m1")) {
			t.Errorf("agent %d delivered (%q, %q), want (m0, m1) in leader order", i, first, second)
		}
	}
}

func TestABLeaderFailover(t *testing.T) {
	// Agent 0 never comes up; the detector declares it Dead and agent 1
	// inherits the leadership.
	comms := startGroup(t, 5370, 3, testConfig("AB"), 0)

	// Let the failure detector bury agent 0 before broadcasting.
	require.Eventually(t, func() bool {
		node, _ := comms[2].Group.ByIndex(0)
		return node.IsDead()
	}, 3*time.Second, 20*time.Millisecond)

	if got := comms[2].Broadcast([]byte("m0")); got == 0 {
		t.Fatal("AB broadcast with failed leader returned 0")
	}

	for _, i := range []int{1, 2} {
		var buf []byte
		if !comms[i].Receive(&buf) {
			t.Fatalf("agent %d never received the broadcast", i)
		}
		if !bytes.Equal(buf, []byte("m0")) {
			t.Errorf("agent %d received %q, want %q", i, buf, "m0")
		}
	}
}
