package relcomm

import (
	"math/rand"
	"net"

	"github.com/armon/go-metrics"
	"github.com/pkg/errors"

	"relcomm-go/pkg/logger"
	"relcomm-go/source/protocol"
)

// Channel owns the UDP endpoint. It frames and validates packets and, as a
// test hook, drops them with probability lossRate on both directions. Retries
// live in the sender; the channel never retransmits.
type Channel struct {
	conn     *net.UDPConn
	lossRate float64
}

// NewChannel binds the local endpoint. Bind failures surface to the caller.
func NewChannel(bind *net.UDPAddr, lossRate float64) (*Channel, error) {
	conn, err := net.ListenUDP("udp", bind)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind UDP socket on %s", bind)
	}
	return &Channel{conn: conn, lossRate: lossRate}, nil
}

// Receive blocks until a syntactically valid packet arrives. Simulated losses,
// framing failures and checksum mismatches are discarded transparently and the
// wait continues; I/O errors are reported to the caller.
func (c *Channel) Receive() (*protocol.Packet, error) {
	buf := make([]byte, protocol.BufferSize)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if c.lossRate > 0 && rand.Float64() < c.lossRate {
			metrics.IncrCounter([]string{"relcomm", "udp", "dropped"}, 1)
			continue
		}
		pkt, err := protocol.PacketFromBytes(buf[:n])
		if err != nil {
			logger.Debug("discarding malformed datagram: %v", err)
			metrics.IncrCounter([]string{"relcomm", "udp", "malformed"}, 1)
			continue
		}
		if !pkt.Validate() {
			metrics.IncrCounter([]string{"relcomm", "udp", "corrupted"}, 1)
			continue
		}
		metrics.IncrCounter([]string{"relcomm", "udp", "received"}, float32(n))
		return pkt, nil
	}
}

// Send serializes and transmits one packet. Success means only that the
// datagram was handed to the OS.
func (c *Channel) Send(pkt *protocol.Packet) bool {
	if c.lossRate > 0 && rand.Float64() < c.lossRate {
		metrics.IncrCounter([]string{"relcomm", "udp", "dropped"}, 1)
		return false
	}
	raw, err := pkt.Bytes()
	if err != nil {
		logger.Debug("failed to serialize packet: %v", err)
		return false
	}
	if _, err := c.conn.WriteToUDP(raw, pkt.Header.DstAddr); err != nil {
		logger.Debug("failed to send packet to %s: %v", pkt.Header.DstAddr, err)
		return false
	}
	metrics.IncrCounter([]string{"relcomm", "udp", "sent"}, float32(len(raw)))
	return true
}

// Addr returns the endpoint the channel is bound to.
func (c *Channel) Addr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the socket; the receiver loop exits on the resulting error.
func (c *Channel) Close() error {
	return c.conn.Close()
}
