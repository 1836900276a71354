package pebble

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
//   - g/{position_be8}                         full event record, global order
//   - s/{type_seg}{id_seg}e{version_be8}       8-byte position pointer
//   - s/{type_seg}{id_seg}m                    stream head (8-byte version)
//   - ss/{type_seg}{id_seg}                    snapshot record
//   - c/{subscription_id}                      checkpoint (8-byte position)
//   - i/{event_id_16}                          committed event id (8-byte position)
//
// User-supplied stream identifiers are length-prefixed segments (be4 length
// then the raw bytes), so an identifier containing separator or structural
// bytes cannot land inside another stream's key range. Versions and
// positions are big-endian so iteration order equals numeric order.

var (
	globalPrefix  = []byte("g/")
	streamPrefix  = []byte("s/")
	snapPrefix    = []byte("ss/")
	ckptPrefix    = []byte("c/")
	eventIDPrefix = []byte("i/")
	entryTag      = byte('e')
	metaTag       = byte('m')
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// appendSeg appends a length-prefixed user-supplied segment.
func appendSeg(dst []byte, s string) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(len(s)))
	dst = append(dst, b[:]...)
	return append(dst, s...)
}

// keyGlobal builds the global feed key for a position.
func keyGlobal(position uint64) []byte {
	k := make([]byte, 0, 10)
	k = append(k, globalPrefix...)
	k = appendBE8(k, position)
	return k
}

// keyStreamEntry builds the per-stream index key for a version.
func keyStreamEntry(streamType, streamID string, version uint64) []byte {
	k := make([]byte, 0, len(streamType)+len(streamID)+19)
	k = append(k, streamPrefix...)
	k = appendSeg(k, streamType)
	k = appendSeg(k, streamID)
	k = append(k, entryTag)
	k = appendBE8(k, version)
	return k
}

// keyStreamHead builds the stream metadata key holding the current version.
func keyStreamHead(streamType, streamID string) []byte {
	k := make([]byte, 0, len(streamType)+len(streamID)+11)
	k = append(k, streamPrefix...)
	k = appendSeg(k, streamType)
	k = appendSeg(k, streamID)
	k = append(k, metaTag)
	return k
}

// keySnapshot builds the snapshot key for a stream.
func keySnapshot(streamType, streamID string) []byte {
	k := make([]byte, 0, len(streamType)+len(streamID)+11)
	k = append(k, snapPrefix...)
	k = appendSeg(k, streamType)
	k = appendSeg(k, streamID)
	return k
}

// keyCheckpoint builds the durable checkpoint key for a subscription.
func keyCheckpoint(subscriptionID string) []byte {
	k := make([]byte, 0, len(subscriptionID)+4)
	k = append(k, ckptPrefix...)
	k = append(k, subscriptionID...)
	return k
}

// keyEventID builds the committed-id index key for an event.
func keyEventID(id uuid.UUID) []byte {
	k := make([]byte, 0, len(id)+2)
	k = append(k, eventIDPrefix...)
	return append(k, id[:]...)
}
