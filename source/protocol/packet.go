package protocol

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Wire format constants
const (
	// BufferSize is the maximum datagram size emitted on the wire.
	BufferSize = 1024

	// HeaderSize is the fixed header length: three IPv4 endpoints
	// (4+2 bytes each), seq_num (4), flags (1), checksum (4).
	HeaderSize = 27

	// PayloadCapacity is the data room left in one packet.
	PayloadCapacity = BufferSize - HeaderSize
)

// Header is the fixed-layout packet header. SrcAddr is the immediate
// transmitter; Origin is the original author of the message and differs from
// SrcAddr only while a broadcast is relayed through the gossip overlay.
type Header struct {
	SrcAddr  *net.UDPAddr
	DstAddr  *net.UDPAddr
	Origin   *net.UDPAddr
	SeqNum   uint32
	Flags    Flags
	Checksum uint32
}

// Packet is the on-wire atom: a header plus at most PayloadCapacity bytes.
type Packet struct {
	Header Header
	Data   []byte
}

// NewPacket builds a packet with the checksum already computed.
func NewPacket(src, dst, origin *net.UDPAddr, seqNum uint32, last, ack, brd bool, data []byte) *Packet {
	flags := FlagEmp
	if last {
		flags |= FlagLst
	}
	if ack {
		flags |= FlagAck
	}
	if brd {
		flags |= FlagBrd
	}
	pkt := &Packet{
		Header: Header{
			SrcAddr: src,
			DstAddr: dst,
			Origin:  origin,
			SeqNum:  seqNum,
			Flags:   flags,
		},
		Data: data,
	}
	pkt.Header.Checksum = Checksum(&pkt.Header, pkt.Data)
	return pkt
}

// Heartbeat builds a failure-detector probe. The sequence number carries the
// emitting agent's number so the receiver can index the peer table directly.
func Heartbeat(src *net.UDPAddr, agentNumber int, dst *net.UDPAddr) *Packet {
	pkt := &Packet{
		Header: Header{
			SrcAddr: src,
			DstAddr: dst,
			Origin:  src,
			SeqNum:  uint32(agentNumber),
			Flags:   FlagHB,
		},
	}
	pkt.Header.Checksum = Checksum(&pkt.Header, nil)
	return pkt
}

// Ack derives the acknowledgment for this packet: src/dst swapped, origin and
// sequence number echoed, ACK ORed into the original flags. Keeping the BRD
// bit is what lets the receiver route broadcast ACKs to their own stream.
func (p *Packet) Ack() *Packet {
	ack := &Packet{
		Header: Header{
			SrcAddr: p.Header.DstAddr,
			DstAddr: p.Header.SrcAddr,
			Origin:  p.Header.Origin,
			SeqNum:  p.Header.SeqNum,
			Flags:   p.Header.Flags | FlagAck,
		},
	}
	ack.Header.Checksum = Checksum(&ack.Header, nil)
	return ack
}

// sumAddr folds one endpoint into the checksum: IPv4 octets as a big-endian
// u32 plus the port.
func sumAddr(addr *net.UDPAddr) uint32 {
	ip := addr.IP.To4()
	if ip == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip) + uint32(addr.Port)
}

// Checksum computes the wrapping 32-bit sum over the header fields (checksum
// itself excluded) and every payload byte.
func Checksum(h *Header, data []byte) uint32 {
	sum := sumAddr(h.SrcAddr)
	sum += sumAddr(h.DstAddr)
	sum += sumAddr(h.Origin)
	sum += h.SeqNum
	sum += uint32(h.Flags)
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}

// Validate recomputes the checksum and compares it with the received value.
func (p *Packet) Validate() bool {
	return p.Header.Checksum == Checksum(&p.Header, p.Data)
}

func appendAddr(buf []byte, addr *net.UDPAddr) ([]byte, error) {
	ip := addr.IP.To4()
	if ip == nil {
		return nil, errors.Errorf("address %s is not IPv4", addr)
	}
	buf = append(buf, ip...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(addr.Port))
	return buf, nil
}

func addrFromBytes(buf []byte) *net.UDPAddr {
	ip := net.IPv4(buf[0], buf[1], buf[2], buf[3])
	port := binary.BigEndian.Uint16(buf[4:6])
	return &net.UDPAddr{IP: ip, Port: int(port)}
}

// Bytes serializes the packet: src, dst, origin, seq_num (BE), flags,
// checksum (BE), payload.
func (p *Packet) Bytes() ([]byte, error) {
	buf := make([]byte, 0, HeaderSize+len(p.Data))
	var err error
	for _, addr := range []*net.UDPAddr{p.Header.SrcAddr, p.Header.DstAddr, p.Header.Origin} {
		if buf, err = appendAddr(buf, addr); err != nil {
			return nil, err
		}
	}
	buf = binary.BigEndian.AppendUint32(buf, p.Header.SeqNum)
	buf = append(buf, byte(p.Header.Flags))
	buf = binary.BigEndian.AppendUint32(buf, p.Header.Checksum)
	buf = append(buf, p.Data...)
	return buf, nil
}

// PacketFromBytes is the exact inverse of Bytes. Undersized buffers fail.
func PacketFromBytes(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, errors.Errorf("datagram too short: %d bytes", len(buf))
	}
	if len(buf) > BufferSize {
		return nil, errors.Errorf("datagram exceeds buffer size: %d bytes", len(buf))
	}
	h := Header{
		SrcAddr:  addrFromBytes(buf[0:6]),
		DstAddr:  addrFromBytes(buf[6:12]),
		Origin:   addrFromBytes(buf[12:18]),
		SeqNum:   binary.BigEndian.Uint32(buf[18:22]),
		Flags:    Flags(buf[22]),
		Checksum: binary.BigEndian.Uint32(buf[23:27]),
	}
	data := make([]byte, len(buf)-HeaderSize)
	copy(data, buf[HeaderSize:])
	return &Packet{Header: h, Data: data}, nil
}

// PacketsFromMessage fragments data into a run of packets with consecutive
// sequence numbers starting at seqNum; only the final fragment carries LST.
// Empty data still produces one (empty, LST) packet.
func PacketsFromMessage(src, dst, origin *net.UDPAddr, data []byte, seqNum uint32, brd bool) []*Packet {
	count := (len(data) + PayloadCapacity - 1) / PayloadCapacity
	if count == 0 {
		count = 1
	}
	packets := make([]*Packet, 0, count)
	for i := 0; i < count; i++ {
		lo := i * PayloadCapacity
		hi := lo + PayloadCapacity
		if hi > len(data) {
			hi = len(data)
		}
		packets = append(packets, NewPacket(
			src, dst, origin,
			seqNum+uint32(i),
			i == count-1,
			false,
			brd,
			data[lo:hi],
		))
	}
	return packets
}

func (p *Packet) String() string {
	kind := "Packet"
	switch {
	case p.Header.Flags.Is(FlagAck):
		kind = "ACK"
	case p.Header.Flags.Is(FlagHB):
		kind = "Heartbeat"
	case p.Header.Flags.Is(FlagBrd):
		kind = "Broadcast"
	}
	return fmt.Sprintf("%s num %d: %s -> %s, origin: %s",
		kind, p.Header.SeqNum, p.Header.SrcAddr, p.Header.DstAddr, p.Header.Origin)
}
