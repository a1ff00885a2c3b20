package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
)

// maxInflatedSize bounds a single decompressed payload.
const maxInflatedSize = 16 << 20

// frame is the gateway envelope {"op","d","s","t"}.
type frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  *string         `json:"t"`
}

// outbound is a frame sent by the client.
type outbound struct {
	Op Opcode      `json:"op"`
	D  interface{} `json:"d"`
}

// DecodeError reports an inbound frame that could not be decoded.
type DecodeError struct {
	Data []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode gateway frame (%d bytes): %v", len(e.Data), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// decodeFrame parses one websocket message. Binary messages carry a
// zlib-compressed JSON payload.
func decodeFrame(messageType int, data []byte) (*frame, error) {
	payload := data
	if messageType == websocket.BinaryMessage {
		inflated, err := inflate(data)
		if err != nil {
			return nil, &DecodeError{Data: data, Err: err}
		}
		payload = inflated
	}

	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, &DecodeError{Data: payload, Err: err}
	}
	return &f, nil
}

// inflate decompresses one zlib payload.
func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("zlib: payload exceeds %d bytes", maxInflatedSize)
	}
	return out, nil
}

// encodeFrame serializes an outbound frame.
func encodeFrame(op Opcode, d interface{}) ([]byte, error) {
	return json.Marshal(outbound{Op: op, D: d})
}

// toEvent converts a dispatch-level frame into an Event.
func (f *frame) toEvent(shard ShardID) *Event {
	ev := &Event{Shard: shard, Raw: f.D}
	if f.S != nil {
		ev.Seq = *f.S
	}

	switch f.Op {
	case OpReconnect:
		ev.Kind = KindReconnect
		return ev
	case OpInvalidSession:
		ev.Kind = KindInvalidSession
		_ = json.Unmarshal(f.D, &ev.Resumable)
		return ev
	}

	ev.Kind = KindDispatch
	if f.T != nil {
		ev.Type = *f.T
	}
	decodePayload(ev)
	return ev
}

// decodePayload fills the typed payload for known dispatch types. A
// malformed payload leaves the field nil.
func decodePayload(ev *Event) {
	switch ev.Type {
	case EventReady:
		var r Ready
		if json.Unmarshal(ev.Raw, &r) == nil {
			ev.Ready = &r
		}
	case EventMessageCreate:
		var m Message
		if json.Unmarshal(ev.Raw, &m) == nil && m.ID != "" && m.ChannelID != "" {
			ev.Message = &m
		}
	case EventMessageUpdate:
		var u MessageUpdate
		if json.Unmarshal(ev.Raw, &u) == nil && u.ID != "" && u.ChannelID != "" {
			ev.MessageUpdate = &u
		}
	case EventMessageDelete:
		var d MessageDelete
		if json.Unmarshal(ev.Raw, &d) == nil && d.ID != "" && d.ChannelID != "" {
			ev.MessageDelete = &d
		}
	case EventMessageDeleteBulk:
		var d MessageDeleteBulk
		if json.Unmarshal(ev.Raw, &d) == nil && d.ChannelID != "" {
			ev.BulkDelete = &d
		}
	case EventChannelDelete, EventThreadDelete:
		var c Channel
		if json.Unmarshal(ev.Raw, &c) == nil && c.ID != "" {
			ev.Channel = &c
		}
	}
}
