package relcomm

import (
	"net"

	"relcomm-go/pkg/logger"
)

// RequestKind selects what a SendRequest produces.
type RequestKind int

const (
	// KindSend: one fragment run to Dst, origin = self.
	KindSend RequestKind = iota
	// KindStartBroadcast: one run per peer (BEB) or per friend (URB/AB).
	KindStartBroadcast
	// KindRequestLeader: one run to the current leader asking it to
	// broadcast on the caller's behalf.
	KindRequestLeader
	// KindGossip: one run per friend preserving Origin and SeqNum.
	KindGossip
)

// SendRequest is one unit of work for the sender engine. Result is buffered
// so the engine's completion report never blocks; callers that do not care
// simply never read it.
type SendRequest struct {
	Kind   RequestKind
	Data   []byte
	Dst    *net.UDPAddr // KindSend only
	Origin *net.UDPAddr // KindGossip only
	SeqNum uint32       // KindGossip only
	Result chan uint32
}

func newSendRequest(kind RequestKind, data []byte) *SendRequest {
	return &SendRequest{
		Kind:   kind,
		Data:   data,
		Result: make(chan uint32, 1),
	}
}

// sendNonblocking enqueues a unicast run and returns the request so the
// caller may await its result.
func sendNonblocking(requests chan<- *SendRequest, dst *net.UDPAddr, data []byte) *SendRequest {
	req := newSendRequest(KindSend, data)
	req.Dst = dst
	requests <- req
	return req
}

// brdReq enqueues a StartBroadcast run.
func brdReq(requests chan<- *SendRequest, data []byte) *SendRequest {
	req := newSendRequest(KindStartBroadcast, data)
	requests <- req
	return req
}

// gossip retransmits a message to the local friends, preserving the origin
// and sequence numbers. Gossip is fire-and-forget: diffusion does not depend
// on any single relay succeeding, and the receiver loop must not block on it.
func gossip(requests chan<- *SendRequest, data []byte, origin *net.UDPAddr, seqNum uint32) {
	req := newSendRequest(KindGossip, data)
	req.Origin = origin
	req.SeqNum = seqNum
	select {
	case requests <- req:
	default:
		logger.Debug("sender queue full, gossip for origin %s dropped", origin)
	}
}
