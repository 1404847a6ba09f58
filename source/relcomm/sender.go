package relcomm

import (
	"net"
	"sync"
	"time"

	"github.com/armon/go-metrics"

	"relcomm-go/pkg/logger"
	"relcomm-go/source/config"
	"relcomm-go/source/protocol"
)

// AckExpectation tells the receiver which (peer, origin) pair the sender is
// about to transmit to and from which sequence number acknowledgments become
// interesting. Registered before the first packet leaves.
type AckExpectation struct {
	Src    string
	Origin string
	SeqNum uint32
}

// Sender serializes application requests into fragment runs and pushes each
// run through Go-Back-N. Requests are processed one at a time; the ACK
// streams are shared with the receiver.
type Sender struct {
	host    *Node
	group   *Group
	channel *Channel
	policy  Broadcast
	cfg     *config.Config

	// seqMu guards the per-destination counters so the numbers transmitted
	// are exactly the numbers registered with the receiver.
	seqMu sync.Mutex
	// seqNums maps a destination to its (unicast, broadcast) counters.
	seqNums map[string]*[2]uint32
}

func NewSender(host *Node, group *Group, channel *Channel, policy Broadcast, cfg *config.Config) *Sender {
	return &Sender{
		host:    host,
		group:   group,
		channel: channel,
		policy:  policy,
		cfg:     cfg,
		seqNums: make(map[string]*[2]uint32),
	}
}

// Run consumes requests until the queue closes. For every fragment run it
// checks the target's liveness, registers the ACK expectation, then runs the
// retransmission window. The request's result counts successful runs.
func (s *Sender) Run(
	requests <-chan *SendRequest,
	sndAcks, brdAcks <-chan *protocol.Packet,
	regSnd, regBrd chan<- AckExpectation,
) {
	for req := range requests {
		runs := s.messagesFor(req)
		var successCount uint32
		for _, packets := range runs {
			if len(packets) == 0 {
				logger.Debug("skipping request with empty packet run")
				continue
			}
			first := packets[0]
			target, ok := s.group.Find(first.Header.DstAddr)
			if !ok {
				logger.Debug("no peer bound to %s, run abandoned", first.Header.DstAddr)
				continue
			}
			if target.IsDead() {
				logger.Debug("agent %d is dead, run abandoned", target.AgentNumber)
				metrics.IncrCounter([]string{"relcomm", "sender", "dead_target"}, 1)
				continue
			}

			reg, acks := regSnd, sndAcks
			if first.Header.Flags.Is(protocol.FlagBrd) {
				reg, acks = regBrd, brdAcks
			}
			reg <- AckExpectation{
				Src:    addrKey(first.Header.DstAddr),
				Origin: addrKey(first.Header.Origin),
				SeqNum: first.Header.SeqNum,
			}

			if s.goBackN(packets, acks) {
				successCount++
			}
		}
		// The caller may have abandoned the result; the buffer absorbs it.
		req.Result <- successCount
	}
}

// messagesFor expands one request into its fragment runs.
func (s *Sender) messagesFor(req *SendRequest) [][]*protocol.Packet {
	var runs [][]*protocol.Packet
	switch req.Kind {
	case KindSend:
		runs = append(runs, s.getPackets(req.Dst, s.host.Addr, req.Data, false))

	case KindRequestLeader:
		leader := s.group.Leader(s.host)
		runs = append(runs, s.getPackets(leader.Addr, s.host.Addr, req.Data, true))

	case KindGossip:
		for _, friend := range s.group.Friends(s.host, s.cfg.GossipRate) {
			runs = append(runs, protocol.PacketsFromMessage(
				s.host.Addr, friend.Addr, req.Origin, req.Data, req.SeqNum, true,
			))
		}

	case KindStartBroadcast:
		switch s.policy {
		case BEB:
			for _, node := range s.snapshot() {
				runs = append(runs, s.getPackets(node.Addr, s.host.Addr, req.Data, true))
			}
		case URB, AB:
			// The broadcast counter advances for every peer, friend or
			// not: all copies of message k must carry the same sequence
			// range no matter which relay path delivers them.
			friends := s.group.Friends(s.host, s.cfg.GossipRate)
			for _, node := range s.snapshot() {
				packets := s.getPackets(node.Addr, s.host.Addr, req.Data, true)
				if containsAgent(friends, node.AgentNumber) {
					runs = append(runs, packets)
				}
			}
		}
	}
	return runs
}

func (s *Sender) snapshot() []Node {
	s.group.Mu.Lock()
	defer s.group.Mu.Unlock()
	nodes := make([]Node, 0, len(s.group.Nodes))
	for _, node := range s.group.Nodes {
		nodes = append(nodes, *node)
	}
	return nodes
}

func containsAgent(nodes []Node, agentNumber int) bool {
	for _, node := range nodes {
		if node.AgentNumber == agentNumber {
			return true
		}
	}
	return false
}

// getPackets fragments data for dst and advances the matching sequence
// counter, all under one critical section.
func (s *Sender) getPackets(dst, origin *net.UDPAddr, data []byte, brd bool) []*protocol.Packet {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	key := addrKey(dst)
	counters, ok := s.seqNums[key]
	if !ok {
		counters = &[2]uint32{}
		s.seqNums[key] = counters
	}
	idx := 0
	if brd {
		idx = 1
	}
	packets := protocol.PacketsFromMessage(s.host.Addr, dst, origin, data, counters[idx], brd)
	counters[idx] += uint32(len(packets))
	return packets
}

// goBackN pushes one fragment run through the sliding window. A cumulative
// ACK advances the base; a timeout rewinds the window. The run is abandoned
// only when the destination turns Dead; saturating the timeout limit is
// logged and the window keeps retrying (the peer is still officially alive,
// so delivery remains this run's responsibility).
func (s *Sender) goBackN(packets []*protocol.Packet, acks <-chan *protocol.Packet) bool {
	base, next, timeouts := 0, 0, 0
	first := packets[0].Header
	for base < len(packets) {
		for next < base+s.cfg.WindowSize && next < len(packets) {
			s.channel.Send(packets[next])
			next++
		}

		select {
		case ack, ok := <-acks:
			if !ok {
				logger.Debug("ACK stream closed, run abandoned")
				return false
			}
			// The receiver guarantees ack.SeqNum >= the registered
			// expectation, so the subtraction cannot go negative.
			base = int(ack.Header.SeqNum - first.SeqNum + 1)
			timeouts = 0

		case <-time.After(s.cfg.Timeout):
			next = base
			timeouts++
			metrics.IncrCounter([]string{"relcomm", "sender", "rewind"}, 1)
			if target, ok := s.group.Find(first.DstAddr); ok && target.IsDead() {
				logger.Debug("agent at %s died mid-run, abandoning", first.DstAddr)
				return false
			}
			if timeouts == s.cfg.TimeoutLimit {
				logger.Warn("timed out %d times waiting for ACK from %s", timeouts, first.DstAddr)
			}
		}
	}
	return true
}
