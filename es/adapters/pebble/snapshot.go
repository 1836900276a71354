package pebble

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/getlode/lodestream/es"
)

// Snapshots reuse the record framing: varint headerLen | header | payload
// | crc32c(header|payload). The header carries the structural fields; the
// snapshot state blob is stored verbatim.

type snapshotHeader struct {
	StreamType string    `json:"stream_type"`
	StreamID   string    `json:"stream_id"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

func encodeSnapshot(snap es.Snapshot) ([]byte, error) {
	header, err := json.Marshal(snapshotHeader{
		StreamType: snap.StreamType,
		StreamID:   snap.StreamID,
		Version:    snap.Version,
		CreatedAt:  snap.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot header: %w", err)
	}

	out := make([]byte, 0, 10+len(header)+len(snap.Payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, snap.Payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, snap.Payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out, nil
}

func decodeSnapshot(b []byte) (es.Snapshot, error) {
	var snap es.Snapshot
	if len(b) < 1+4 {
		return snap, fmt.Errorf("snapshot record too short: %d bytes", len(b))
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || n+int(hlen)+4 > len(b) {
		return snap, fmt.Errorf("malformed snapshot header length")
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]

	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return snap, fmt.Errorf("snapshot checksum mismatch")
	}

	var h snapshotHeader
	if err := json.Unmarshal(header, &h); err != nil {
		return snap, fmt.Errorf("failed to decode snapshot header: %w", err)
	}
	snap.StreamType = h.StreamType
	snap.StreamID = h.StreamID
	snap.Version = h.Version
	snap.CreatedAt = h.CreatedAt
	snap.Payload = append([]byte(nil), payload...)
	return snap, nil
}
