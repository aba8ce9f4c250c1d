// Package ipc implements the worker process channel: spawning the worker
// child over an anonymous pipe pair and exchanging typed, length-prefixed
// control messages with it.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
)

// MessageType enumerates the fixed small set of control messages exchanged
// with a worker over the pipe channel.
type MessageType uint32

const (
	MessageNewJobRequest MessageType = iota + 1
	MessageJobMetadataUpdate
	MessageCancelRequest
	MessageAgentShutdown
	MessageOperatingSystemShutdown
)

func (t MessageType) String() string {
	switch t {
	case MessageNewJobRequest:
		return "NewJobRequest"
	case MessageJobMetadataUpdate:
		return "JobMetadataUpdate"
	case MessageCancelRequest:
		return "CancelRequest"
	case MessageAgentShutdown:
		return "AgentShutdown"
	case MessageOperatingSystemShutdown:
		return "OperatingSystemShutdown"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// IsCancelFamily reports whether this message type belongs to the family of
// cancel-style control messages that carry no body.
func (t MessageType) IsCancelFamily() bool {
	switch t {
	case MessageCancelRequest, MessageAgentShutdown, MessageOperatingSystemShutdown:
		return true
	default:
		return false
	}
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
var utf16leDecoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

// encodeJSONBody UTF-16LE-encodes a JSON payload, matching the wire format
// NewJobRequest and JobMetadataUpdate bodies use.
func encodeJSONBody(jsonBody []byte) ([]byte, error) {
	return utf16le.Bytes(jsonBody)
}

func decodeJSONBody(wireBody []byte) ([]byte, error) {
	return utf16leDecoder.Bytes(wireBody)
}

// writeFrame writes [u32 length][u32 type][bytes body] to w. length covers
// the type field plus the body.
func writeFrame(w io.Writer, msgType MessageType, body []byte) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(body)+4))
	binary.BigEndian.PutUint32(header[4:8], uint32(msgType))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// readFrame reads one [u32 length][u32 type][bytes body] frame from r.
func readFrame(r io.Reader) (MessageType, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	msgType := MessageType(binary.BigEndian.Uint32(header[4:8]))
	if length < 4 {
		return 0, nil, fmt.Errorf("ipc: malformed frame length %d", length)
	}
	bodyLen := length - 4
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, err
		}
	}
	return msgType, body, nil
}
