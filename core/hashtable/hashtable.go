package hashtable

import (
	"sync"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"

	"relcomm-go/pkg/logger"
	"relcomm-go/source/relcomm"
)

// Entry is one replicated key/value pair, msgpack-encoded on the wire.
type Entry struct {
	Key   uint32 `codec:"k"`
	Value []byte `codec:"v"`
}

var msgpackHandle codec.MsgpackHandle

// EncodeEntry serializes an entry for broadcast.
func EncodeEntry(e *Entry) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &msgpackHandle)
	if err := enc.Encode(e); err != nil {
		return nil, errors.Wrap(err, "failed to encode entry")
	}
	return buf, nil
}

// DecodeEntry parses a broadcast payload back into an entry.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	dec := codec.NewDecoderBytes(data, &msgpackHandle)
	if err := dec.Decode(&e); err != nil {
		return nil, errors.Wrap(err, "failed to decode entry")
	}
	return &e, nil
}

// DistrHash is the demonstration distributed hash table: writes broadcast an
// entry to the group, reads consult the local replica. With atomic broadcast
// configured, every replica applies writes in the same order.
type DistrHash struct {
	comm *relcomm.ReliableCommunication

	mu    sync.Mutex
	table map[uint32][]byte
}

// New wraps a communication handle and starts the apply loop.
func New(comm *relcomm.ReliableCommunication) *DistrHash {
	h := &DistrHash{
		comm:  comm,
		table: make(map[uint32][]byte),
	}
	go h.listen()
	return h
}

// Write replicates one key/value pair to the group.
func (h *DistrHash) Write(key uint32, value []byte) error {
	data, err := EncodeEntry(&Entry{Key: key, Value: value})
	if err != nil {
		return err
	}
	if h.comm.Broadcast(data) == 0 {
		return errors.Errorf("write of key %d reached no peers", key)
	}
	return nil
}

// Read returns the local replica's value for key.
func (h *DistrHash) Read(key uint32) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	value, ok := h.table[key]
	return value, ok
}

// listen applies delivered writes to the local replica.
func (h *DistrHash) listen() {
	for {
		var buf []byte
		if !h.comm.Receive(&buf) {
			continue
		}
		entry, err := DecodeEntry(buf)
		if err != nil {
			logger.Error("dropping undecodable table entry: %v", err)
			continue
		}
		h.mu.Lock()
		h.table[entry.Key] = entry.Value
		h.mu.Unlock()
	}
}
