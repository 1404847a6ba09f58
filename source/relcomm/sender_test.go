package relcomm

import (
	"testing"

	"relcomm-go/source/config"
	"relcomm-go/source/protocol"
)

func newTestSender(g *Group, policy Broadcast) *Sender {
	cfg := config.Default()
	cfg.GossipRate = 2
	return NewSender(g.Nodes[0], g, nil, policy, cfg)
}

func TestSequenceCountersPerDestination(t *testing.T) {
	g := testGroup(3)
	s := newTestSender(g, BEB)
	dst := g.Nodes[1].Addr

	run1 := s.getPackets(dst, s.host.Addr, make([]byte, protocol.PayloadCapacity+1), false)
	if len(run1) != 2 {
		t.Fatalf("run length = %d, want 2", len(run1))
	}
	if run1[0].Header.SeqNum != 0 {
		t.Errorf("first run starts at %d, want 0", run1[0].Header.SeqNum)
	}

	run2 := s.getPackets(dst, s.host.Addr, []byte("x"), false)
	if run2[0].Header.SeqNum != 2 {
		t.Errorf("second run starts at %d, want 2", run2[0].Header.SeqNum)
	}

	// Broadcast numbers live in their own space.
	brd := s.getPackets(dst, s.host.Addr, []byte("y"), true)
	if brd[0].Header.SeqNum != 0 {
		t.Errorf("broadcast run starts at %d, want 0 (separate space)", brd[0].Header.SeqNum)
	}
	if !brd[0].Header.Flags.Is(protocol.FlagBrd) {
		t.Error("broadcast run missing BRD flag")
	}

	// A different destination starts fresh.
	other := s.getPackets(g.Nodes[2].Addr, s.host.Addr, []byte("z"), false)
	if other[0].Header.SeqNum != 0 {
		t.Errorf("other destination starts at %d, want 0", other[0].Header.SeqNum)
	}
}

func TestMessagesForSend(t *testing.T) {
	g := testGroup(3)
	s := newTestSender(g, BEB)

	req := newSendRequest(KindSend, []byte("direct"))
	req.Dst = g.Nodes[2].Addr
	runs := s.messagesFor(req)

	if len(runs) != 1 {
		t.Fatalf("run count = %d, want 1", len(runs))
	}
	first := runs[0][0].Header
	if !sameAddr(first.DstAddr, g.Nodes[2].Addr) {
		t.Errorf("dst = %s, want %s", first.DstAddr, g.Nodes[2].Addr)
	}
	if !sameAddr(first.Origin, s.host.Addr) {
		t.Error("unicast origin must be the sender")
	}
	if first.Flags.Is(protocol.FlagBrd) {
		t.Error("unicast run must not set BRD")
	}
}

func TestMessagesForGossipPreservesOrigin(t *testing.T) {
	g := testGroup(4)
	s := newTestSender(g, URB)

	origin := g.Nodes[3].Addr
	req := newSendRequest(KindGossip, []byte("relayed"))
	req.Origin = origin
	req.SeqNum = 41
	runs := s.messagesFor(req)

	if len(runs) != s.cfg.GossipRate {
		t.Fatalf("run count = %d, want one per friend (%d)", len(runs), s.cfg.GossipRate)
	}
	for _, run := range runs {
		h := run[0].Header
		if !sameAddr(h.Origin, origin) {
			t.Error("gossip must preserve the origin")
		}
		if h.SeqNum != 41 {
			t.Errorf("gossip seq_num = %d, want the original 41", h.SeqNum)
		}
		if !sameAddr(h.SrcAddr, s.host.Addr) {
			t.Error("gossip src must be the relay")
		}
	}
}

func TestMessagesForBEBFanout(t *testing.T) {
	g := testGroup(4)
	s := newTestSender(g, BEB)

	runs := s.messagesFor(newSendRequest(KindStartBroadcast, []byte("all")))
	if len(runs) != 4 {
		t.Fatalf("BEB run count = %d, want one per peer", len(runs))
	}
}

func TestMessagesForURBFanoutOnlyFriends(t *testing.T) {
	g := testGroup(4)
	s := newTestSender(g, URB) // gossip rate 2: friends of 0 are 1 and 2

	runs := s.messagesFor(newSendRequest(KindStartBroadcast, []byte("fan")))
	if len(runs) != 2 {
		t.Fatalf("URB run count = %d, want one per friend (2)", len(runs))
	}
	wantPorts := map[int]bool{g.Nodes[1].Addr.Port: true, g.Nodes[2].Addr.Port: true}
	for _, run := range runs {
		if !wantPorts[run[0].Header.DstAddr.Port] {
			t.Errorf("unexpected fan-out target %s", run[0].Header.DstAddr)
		}
	}

	// Counters advanced for every peer, friends or not, so all copies of
	// the next message share one sequence range.
	next := s.getPackets(g.Nodes[3].Addr, s.host.Addr, []byte("n"), true)
	if next[0].Header.SeqNum != 1 {
		t.Errorf("non-friend counter = %d, want 1 (advanced by the fan-out)", next[0].Header.SeqNum)
	}
}

func TestMessagesForRequestLeader(t *testing.T) {
	g := testGroup(3)
	g.Nodes[0].State = StateDead
	s := NewSender(g.Nodes[2], g, nil, AB, config.Default())

	runs := s.messagesFor(newSendRequest(KindRequestLeader, []byte("please")))
	if len(runs) != 1 {
		t.Fatalf("run count = %d, want 1", len(runs))
	}
	h := runs[0][0].Header
	if !sameAddr(h.DstAddr, g.Nodes[1].Addr) {
		t.Errorf("leader request went to %s, want the surviving leader %s", h.DstAddr, g.Nodes[1].Addr)
	}
	if !h.Flags.Is(protocol.FlagBrd) {
		t.Error("leader request must carry BRD")
	}
	if !sameAddr(h.Origin, s.host.Addr) {
		t.Error("leader request origin must be the requester")
	}
}
