package relcomm

import (
	"net"

	"github.com/armon/go-metrics"

	"relcomm-go/pkg/logger"
	"relcomm-go/source/protocol"
)

// ackKey identifies one expectation: the peer the run targets and the origin
// of the message. Unicast and broadcast expectations live in separate tables,
// so overlapping sequence numbers on the two streams cannot collide.
type ackKey struct {
	src    string
	origin string
}

// broadcastWaiter is the rendezvous a broadcast-initiating call blocks on
// until its own message echoes back through the group. The façade closes done
// once it stops listening so the receiver can forget the waiter.
type broadcastWaiter struct {
	ch   chan []byte
	done chan struct{}
}

func newBroadcastWaiter() *broadcastWaiter {
	return &broadcastWaiter{
		ch:   make(chan []byte, 32),
		done: make(chan struct{}),
	}
}

// Receiver reads packets from the channel forever, dispatching ACKs to the
// sender, heartbeats to the failure detector, and reassembled messages to the
// application queue or the broadcast logic. All reassembly state is private
// to this goroutine.
type Receiver struct {
	host     *Node
	group    *Group
	channel  *Channel
	policy   Broadcast
	requests chan<- *SendRequest
}

func NewReceiver(host *Node, group *Group, channel *Channel, policy Broadcast, requests chan<- *SendRequest) *Receiver {
	return &Receiver{
		host:     host,
		group:    group,
		channel:  channel,
		policy:   policy,
		requests: requests,
	}
}

// Run is the receive loop. It exits when the channel's socket closes.
func (r *Receiver) Run(
	messages chan<- []byte,
	sndAcks, brdAcks chan<- *protocol.Packet,
	regSnd, regBrd <-chan AckExpectation,
	heartbeats chan<- *protocol.Packet,
	waiterReg <-chan *broadcastWaiter,
) {
	// pending fragments per origin; the delivered LST packet stays behind
	// as a remnant so the next expected sequence number survives delivery.
	pending := make(map[string][]*protocol.Packet)
	expectedSnd := make(map[ackKey]uint32)
	expectedBrd := make(map[ackKey]uint32)
	var waiters []*broadcastWaiter

	for {
		pkt, err := r.channel.Receive()
		if err != nil {
			logger.Debug("receiver leaving: %v", err)
			return
		}

		switch {
		case pkt.Header.Flags.Is(protocol.FlagHB):
			select {
			case heartbeats <- pkt:
			default:
			}

		case pkt.Header.Flags.Is(protocol.FlagAck):
			expected, reg, acks := expectedSnd, regSnd, sndAcks
			if pkt.Header.Flags.Is(protocol.FlagBrd) {
				expected, reg, acks = expectedBrd, regBrd, brdAcks
			}
			r.handleAck(pkt, expected, reg, acks)

		default:
			waiters = r.handleData(pkt, pending, messages, waiterReg, waiters)
		}
	}
}

// handleAck drains freshly registered expectations, filters stale ACKs and
// forwards the rest to the matching sender stream.
func (r *Receiver) handleAck(
	pkt *protocol.Packet,
	expected map[ackKey]uint32,
	reg <-chan AckExpectation,
	acks chan<- *protocol.Packet,
) {
	for {
		select {
		case exp := <-reg:
			expected[ackKey{src: exp.Src, origin: exp.Origin}] = exp.SeqNum
			continue
		default:
		}
		break
	}

	key := ackKey{src: addrKey(pkt.Header.SrcAddr), origin: addrKey(pkt.Header.Origin)}
	seq, ok := expected[key]
	if !ok {
		logger.Debug("ACK %d from %s with nobody waiting", pkt.Header.SeqNum, pkt.Header.SrcAddr)
		return
	}
	if pkt.Header.SeqNum < seq {
		metrics.IncrCounter([]string{"relcomm", "receiver", "stale_ack"}, 1)
		return
	}
	expected[key] = pkt.Header.SeqNum + 1
	select {
	case acks <- pkt:
	default:
		// The sender is between runs; retransmission recovers the loss.
		logger.Debug("ACK stream full, dropping ACK %d from %s", pkt.Header.SeqNum, pkt.Header.SrcAddr)
	}
}

// handleData runs the per-origin reassembly protocol: future packets are
// dropped (the sender's window will rewind), everything at or below the
// expectation is re-ACKed, and an in-order LST closes the message.
func (r *Receiver) handleData(
	pkt *protocol.Packet,
	pending map[string][]*protocol.Packet,
	messages chan<- []byte,
	waiterReg <-chan *broadcastWaiter,
	waiters []*broadcastWaiter,
) []*broadcastWaiter {
	key := addrKey(pkt.Header.Origin)
	buffer := pending[key]
	var expected uint32
	if len(buffer) > 0 {
		expected = buffer[len(buffer)-1].Header.SeqNum + 1
	}

	if pkt.Header.SeqNum > expected {
		metrics.IncrCounter([]string{"relcomm", "receiver", "future_drop"}, 1)
		return waiters
	}
	// ACK even duplicates below the expectation: the peer may have lost
	// our previous ACK.
	r.channel.Send(pkt.Ack())
	if pkt.Header.SeqNum < expected {
		metrics.IncrCounter([]string{"relcomm", "receiver", "duplicate"}, 1)
		return waiters
	}

	if pkt.Header.Flags.Is(protocol.FlagLst) {
		message, firstSeq := assemble(buffer, pkt)
		pending[key] = nil
		waiters = r.dispatch(pkt, message, firstSeq, messages, waiterReg, waiters)
	}
	pending[key] = append(pending[key], pkt)
	return waiters
}

// assemble concatenates the buffered fragments plus the closing LST packet.
// A leading LST fragment is the remnant of the previous message and is
// skipped. Returns the message and the run's starting sequence number.
func assemble(buffer []*protocol.Packet, last *protocol.Packet) ([]byte, uint32) {
	if len(buffer) > 0 && buffer[0].Header.Flags.Is(protocol.FlagLst) {
		buffer = buffer[1:]
	}
	var message []byte
	for _, pkt := range buffer {
		message = append(message, pkt.Data...)
	}
	message = append(message, last.Data...)

	firstSeq := last.Header.SeqNum
	if len(buffer) > 0 {
		firstSeq = buffer[0].Header.SeqNum
	}
	return message, firstSeq
}

// dispatch applies the broadcast policy to a completed message.
func (r *Receiver) dispatch(
	pkt *protocol.Packet,
	message []byte,
	firstSeq uint32,
	messages chan<- []byte,
	waiterReg <-chan *broadcastWaiter,
	waiters []*broadcastWaiter,
) []*broadcastWaiter {
	if !pkt.Header.Flags.Is(protocol.FlagBrd) {
		messages <- message
		return waiters
	}

	origin := pkt.Header.Origin
	switch r.policy {
	case BEB:
		// A gossip request under best-effort broadcast should not happen;
		// the message is still delivered for compatibility.
		logger.Warn("gossip-flagged message received under BEB policy")
		messages <- message

	case URB:
		waiters = notifyWaiters(message, waiterReg, waiters)
		gossip(r.requests, message, origin, firstSeq)
		messages <- message

	case AB:
		waiters = notifyWaiters(message, waiterReg, waiters)
		if r.atomicGossip(message, origin, firstSeq) {
			messages <- message
		}
	}
	return waiters
}

// notifyWaiters drains new registrations and offers the message to every
// live waiter, forgetting the ones whose call already returned.
func notifyWaiters(message []byte, waiterReg <-chan *broadcastWaiter, waiters []*broadcastWaiter) []*broadcastWaiter {
	for {
		select {
		case w := <-waiterReg:
			waiters = append(waiters, w)
			continue
		default:
		}
		break
	}

	alive := waiters[:0]
	for _, w := range waiters {
		select {
		case <-w.done:
			continue
		default:
		}
		select {
		case w.ch <- message:
		default:
		}
		alive = append(alive, w)
	}
	return alive
}

// atomicGossip decides what to do with a broadcast under AB. If the origin
// ranks below us it considers us the leader: convert the request into a fresh
// leader-originated broadcast and suppress this copy. Otherwise the origin is
// the leader (or a relay of it): gossip onward and deliver. The returned
// boolean says whether the message may reach the application.
func (r *Receiver) atomicGossip(message []byte, origin *net.UDPAddr, firstSeq uint32) bool {
	originPriority := r.group.LeaderPriority(origin)
	ownPriority := r.group.LeaderPriority(r.host.Addr)
	if originPriority < ownPriority {
		brdReq(r.requests, message)
		return false
	}
	gossip(r.requests, message, origin, firstSeq)
	return true
}
