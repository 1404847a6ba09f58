package relcomm

import (
	"bytes"
	"time"

	"github.com/pkg/errors"

	"relcomm-go/pkg/logger"
	"relcomm-go/source/config"
	"relcomm-go/source/protocol"
)

// Broadcast is the configured delivery guarantee.
type Broadcast int

const (
	// BEB is best-effort broadcast: per-peer fan-out, no guarantee if the
	// sender fails.
	BEB Broadcast = iota
	// URB is uniform-reliable broadcast: all-or-none delivery across
	// correct peers.
	URB
	// AB is atomic broadcast: uniform delivery plus identical order.
	AB
)

// ParseBroadcast converts the config string into a policy.
func ParseBroadcast(s string) (Broadcast, error) {
	switch s {
	case "BEB":
		return BEB, nil
	case "URB":
		return URB, nil
	case "AB":
		return AB, nil
	default:
		return BEB, errors.Errorf("unknown broadcast policy %q", s)
	}
}

// Queue capacities. The ACK and request streams are sized so the receiver
// loop effectively never blocks on them; retransmission covers the rare
// overflow.
const (
	requestQueueSize = 1024
	ackQueueSize     = 1024
	messageQueueSize = 1024
	regQueueSize     = 256
)

// ReliableCommunication is the public façade. Construction binds the UDP
// endpoint and spawns the three long-running roles: failure detector, sender
// and receiver, wired together by bounded queues.
type ReliableCommunication struct {
	Host  *Node
	Group *Group

	cfg     *config.Config
	policy  Broadcast
	channel *Channel

	requests  chan *SendRequest
	receiveCh chan []byte
	waiterReg chan *broadcastWaiter
}

// New constructs the communication core for host within group. Socket bind
// failures are surfaced; everything else runs for the process lifetime.
func New(host *Node, nodes []*Node, cfg *config.Config) (*ReliableCommunication, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := ParseBroadcast(cfg.Broadcast)
	if err != nil {
		return nil, err
	}
	channel, err := NewChannel(host.Addr, cfg.LossRate)
	if err != nil {
		return nil, err
	}

	group := NewGroup(nodes)
	requests := make(chan *SendRequest, requestQueueSize)
	receiveCh := make(chan []byte, messageQueueSize)
	waiterReg := make(chan *broadcastWaiter, regQueueSize)
	sndAcks := make(chan *protocol.Packet, ackQueueSize)
	brdAcks := make(chan *protocol.Packet, ackQueueSize)
	regSnd := make(chan AckExpectation, regQueueSize)
	regBrd := make(chan AckExpectation, regQueueSize)
	heartbeats := make(chan *protocol.Packet, regQueueSize)

	sender := NewSender(host, group, channel, policy, cfg)
	receiver := NewReceiver(host, group, channel, policy, requests)
	detector := NewFailureDetection(host, group, channel, cfg.HeartbeatInterval, cfg.HeartbeatMissLimit)

	go detector.Run(heartbeats)
	go sender.Run(requests, sndAcks, brdAcks, regSnd, regBrd)
	go receiver.Run(receiveCh, sndAcks, brdAcks, regSnd, regBrd, heartbeats, waiterReg)

	return &ReliableCommunication{
		Host:      host,
		Group:     group,
		cfg:       cfg,
		policy:    policy,
		channel:   channel,
		requests:  requests,
		receiveCh: receiveCh,
		waiterReg: waiterReg,
	}, nil
}

// Send delivers data to the peer with the given agent number and returns the
// count of successful runs: 1 on success, 0 on failure or unknown id.
func (c *ReliableCommunication) Send(id int, data []byte) uint32 {
	node, ok := c.Group.ByIndex(id)
	if !ok {
		logger.Debug("send to unknown agent %d", id)
		return 0
	}
	req := sendNonblocking(c.requests, node.Addr, data)
	return <-req.Result
}

// Receive appends one already-delivered message to buf, or waits up to the
// message timeout for one to arrive. Returns false on timeout; the queue
// stays usable. Concurrent callers each get whole messages: the channel hands
// out one message per read.
func (c *ReliableCommunication) Receive(buf *[]byte) bool {
	select {
	case msg := <-c.receiveCh:
		*buf = append(*buf, msg...)
		return true
	case <-time.After(c.cfg.MessageTimeout):
		return false
	}
}

// Broadcast sends data to the whole group under the configured policy and
// returns how many peers the call can vouch for.
func (c *ReliableCommunication) Broadcast(data []byte) uint32 {
	switch c.policy {
	case BEB:
		return c.beb(data)
	case URB:
		return c.urb(data)
	default:
		return c.ab(data)
	}
}

// beb fans out to every peer and reports the number of successful runs.
func (c *ReliableCommunication) beb(data []byte) uint32 {
	req := brdReq(c.requests, data)
	return <-req.Result
}

// urb registers a waiter, fans out to the friends and blocks until the
// message echoes back, proving at least one relay rebroadcast it.
func (c *ReliableCommunication) urb(data []byte) uint32 {
	waiter := c.registerWaiter()
	defer close(waiter.done)
	brdReq(c.requests, data)
	count, ok := c.waitForBroadcast(waiter, data)
	if !ok {
		return 0
	}
	return count
}

// ab anchors the broadcast at the current leader, retrying through
// re-election until the message comes back through the group.
func (c *ReliableCommunication) ab(data []byte) uint32 {
	waiter := c.registerWaiter()
	defer close(waiter.done)

	prevLeader := c.Host.AgentNumber
	for {
		leader := c.Group.Leader(c.Host)
		switch {
		case leader.AgentNumber == c.Host.AgentNumber:
			// I am the leader: broadcast and wait for my own message
			// to gossip back.
			brdReq(c.requests, data)

		case leader.AgentNumber != prevLeader:
			// A new leader: ask it to broadcast on our behalf.
			req := newSendRequest(KindRequestLeader, data)
			c.requests <- req
			prevLeader = leader.AgentNumber
			if result := <-req.Result; result == 0 {
				logger.Debug("leader request to agent %d failed", leader.AgentNumber)
			}

		default:
			// Same leader as last attempt; it has already been asked.
			logger.Debug("still waiting on leader %d", leader.AgentNumber)
		}

		if count, ok := c.waitForBroadcast(waiter, data); ok {
			return count
		}
		// Waiter timed out: the leader is presumed dead. The failure
		// detector will converge and the next round picks its successor.
	}
}

func (c *ReliableCommunication) registerWaiter() *broadcastWaiter {
	waiter := newBroadcastWaiter()
	c.waiterReg <- waiter
	return waiter
}

// waitForBroadcast consumes echoed broadcasts until the target message shows
// up or the deadline passes. Foreign messages streaming by mean the leader is
// still alive; only silence counts against the deadline.
func (c *ReliableCommunication) waitForBroadcast(waiter *broadcastWaiter, target []byte) (uint32, bool) {
	for {
		select {
		case msg := <-waiter.ch:
			if bytes.Equal(msg, target) {
				return uint32(len(c.Group.Livings())), true
			}
		case <-time.After(c.cfg.BroadcastTimeout):
			return 0, false
		}
	}
}
