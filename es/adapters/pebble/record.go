package pebble

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"

	"github.com/getlode/lodestream/es"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)
//
// The header is a JSON envelope of the event's structural fields; the
// payload is stored verbatim and never parsed.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// recordHeader carries every structural field of a persisted event except
// the payload, which follows the header in the record body.
type recordHeader struct {
	EventID        uuid.UUID       `json:"event_id"`
	StreamType     string          `json:"stream_type"`
	StreamID       string          `json:"stream_id"`
	EventType      string          `json:"event_type"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CausationID    *uuid.UUID      `json:"causation_id,omitempty"`
	CorrelationID  *uuid.UUID      `json:"correlation_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Version        int64           `json:"version"`
	GlobalPosition int64           `json:"global_position"`
}

func encodeRecord(e es.PersistedEvent) ([]byte, error) {
	h := recordHeader{
		EventID:        e.EventID,
		StreamType:     e.StreamType,
		StreamID:       e.StreamID,
		EventType:      e.EventType,
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt,
		Version:        e.Version,
		GlobalPosition: e.GlobalPosition,
	}
	if e.CausationID.Valid {
		id := e.CausationID.UUID
		h.CausationID = &id
	}
	if e.CorrelationID.Valid {
		id := e.CorrelationID.UUID
		h.CorrelationID = &id
	}

	header, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record header: %w", err)
	}

	out := make([]byte, 0, 10+len(header)+len(e.Payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, e.Payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, e.Payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out, nil
}

func decodeRecord(b []byte) (es.PersistedEvent, error) {
	var e es.PersistedEvent
	if len(b) < 1+4 {
		return e, fmt.Errorf("record too short: %d bytes", len(b))
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || n+int(hlen)+4 > len(b) {
		return e, fmt.Errorf("malformed record header length")
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]

	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return e, fmt.Errorf("record checksum mismatch")
	}

	var h recordHeader
	if err := json.Unmarshal(header, &h); err != nil {
		return e, fmt.Errorf("failed to decode record header: %w", err)
	}

	e.EventID = h.EventID
	e.StreamType = h.StreamType
	e.StreamID = h.StreamID
	e.EventType = h.EventType
	e.Metadata = h.Metadata
	e.CreatedAt = h.CreatedAt
	e.Version = h.Version
	e.GlobalPosition = h.GlobalPosition
	if h.CausationID != nil {
		e.CausationID = uuid.NullUUID{UUID: *h.CausationID, Valid: true}
	}
	if h.CorrelationID != nil {
		e.CorrelationID = uuid.NullUUID{UUID: *h.CorrelationID, Valid: true}
	}
	e.Payload = append([]byte(nil), payload...)
	return e, nil
}
