package relcomm

import (
	"time"

	"relcomm-go/pkg/logger"
	"relcomm-go/source/protocol"
)

// FailureDetection monitors the group through periodic heartbeats. Every
// cycle it multicasts an HB packet to each member (itself included), sleeps
// one interval, then drains the heartbeats the receiver routed back and
// reclassifies every peer.
type FailureDetection struct {
	host      *Node
	group     *Group
	channel   *Channel
	interval  time.Duration
	missLimit int
}

func NewFailureDetection(host *Node, group *Group, channel *Channel, interval time.Duration, missLimit int) *FailureDetection {
	return &FailureDetection{
		host:      host,
		group:     group,
		channel:   channel,
		interval:  interval,
		missLimit: missLimit,
	}
}

// Run is the detector loop; it exits when heartbeats closes.
func (fd *FailureDetection) Run(heartbeats <-chan *protocol.Packet) {
	probes, size := fd.buildProbes()
	missCount := make([]int, size)
	for i := range missCount {
		missCount[i] = -1
	}

	for {
		for _, hb := range probes {
			fd.channel.Send(hb)
		}
		time.Sleep(fd.interval)

		seen := make([]bool, size)
		open := drainHeartbeats(heartbeats, seen)
		fd.sweep(seen, missCount)
		if !open {
			return
		}
	}
}

// buildProbes precomputes one heartbeat per peer; the group is static so the
// set never changes.
func (fd *FailureDetection) buildProbes() ([]*protocol.Packet, int) {
	fd.group.Mu.Lock()
	defer fd.group.Mu.Unlock()
	probes := make([]*protocol.Packet, 0, len(fd.group.Nodes))
	for _, node := range fd.group.Nodes {
		probes = append(probes, protocol.Heartbeat(fd.host.Addr, fd.host.AgentNumber, node.Addr))
	}
	return probes, len(fd.group.Nodes)
}

func drainHeartbeats(heartbeats <-chan *protocol.Packet, seen []bool) bool {
	for {
		select {
		case hb, ok := <-heartbeats:
			if !ok {
				return false
			}
			id := int(hb.Header.SeqNum)
			if id >= 0 && id < len(seen) {
				seen[id] = true
			}
		default:
			return true
		}
	}
}

// sweep applies one cycle's observations. Dead is terminal: a late heartbeat
// never resurrects a peer.
func (fd *FailureDetection) sweep(seen []bool, missCount []int) {
	fd.group.Mu.Lock()
	defer fd.group.Mu.Unlock()
	for i, node := range fd.group.Nodes {
		if node.State == StateDead {
			continue
		}
		if seen[i] {
			missCount[i] = 0
			node.State = StateAlive
			continue
		}
		missCount[i]++
		if missCount[i] >= fd.missLimit {
			logger.Warn("agent %d missed %d heartbeats, declaring it dead", node.AgentNumber, missCount[i])
			node.State = StateDead
		} else {
			node.State = StateSuspect
		}
	}
}
