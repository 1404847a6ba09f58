package protocol

import (
	"net"
	"testing"
)

func benchAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func BenchmarkPacketBytes(b *testing.B) {
	pkt := NewPacket(benchAddr(3000), benchAddr(3001), benchAddr(3000), 1, true, false, false, make([]byte, 500))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = pkt.Bytes()
	}
}

func BenchmarkPacketFromBytes(b *testing.B) {
	pkt := NewPacket(benchAddr(3000), benchAddr(3001), benchAddr(3000), 1, true, false, false, make([]byte, 500))
	raw, _ := pkt.Bytes()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = PacketFromBytes(raw)
	}
}

func BenchmarkChecksum(b *testing.B) {
	pkt := NewPacket(benchAddr(3000), benchAddr(3001), benchAddr(3000), 1, true, false, false, make([]byte, PayloadCapacity))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = Checksum(&pkt.Header, pkt.Data)
	}
}

func BenchmarkPacketsFromMessage(b *testing.B) {
	data := make([]byte, PayloadCapacity*8)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = PacketsFromMessage(benchAddr(3000), benchAddr(3001), benchAddr(3000), data, 0, true)
	}
}
