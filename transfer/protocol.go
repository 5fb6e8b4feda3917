// Package transfer implements the length-framed TCP protocol peers use to
// exchange chunks and manifests, plus a bounded, LRU-evicted connection
// pool for reusing TCP connections across requests. Grounded on the
// teacher's transport/tcp.go (persistent client connections, stream
// framing) and file/manager.go (request/response message shape), with the
// binary length-prefix framing widened to spec.md §6's
// [total_length][header_length][header-JSON][data] format.
package transfer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opd-ai/kadshare/errs"
)

// MaxMessageSize caps total_length to prevent a malicious or buggy peer
// from forcing an unbounded read (spec.md §6).
const MaxMessageSize = 100 * 1024 * 1024

// MessageType identifies a transfer-protocol request or response.
type MessageType string

const (
	RequestChunk    MessageType = "REQUEST_CHUNK"
	ChunkData       MessageType = "CHUNK_DATA"
	ChunkNotFound   MessageType = "CHUNK_NOT_FOUND"
	RequestManifest MessageType = "REQUEST_MANIFEST"
	ManifestData    MessageType = "MANIFEST_DATA"
	ManifestNotFound MessageType = "MANIFEST_NOT_FOUND"
	Ping            MessageType = "PING"
	Pong            MessageType = "PONG"
)

// Header is the JSON metadata block preceding a message's binary payload.
// DataLength must match the byte count of the frame's data section
// (spec.md §6); ReadMessage rejects frames where it doesn't.
type Header struct {
	Type       MessageType `json:"type"`
	ChunkHash  string      `json:"chunk_hash,omitempty"`
	InfoHash   string      `json:"info_hash,omitempty"`
	DataLength int         `json:"data_length"`
}

// Message is a fully decoded frame: header plus raw binary data (the
// chunk bytes for CHUNK_DATA, the manifest JSON bytes for MANIFEST_DATA,
// empty for everything else).
type Message struct {
	Header Header
	Data   []byte
}

// WriteMessage frames and writes msg to w as
// [u32 total_length][u32 header_length][header-JSON][data].
func WriteMessage(w io.Writer, msg Message) error {
	msg.Header.DataLength = len(msg.Data)
	headerJSON, err := json.Marshal(msg.Header)
	if err != nil {
		return fmt.Errorf("transfer.WriteMessage: marshal header: %w", err)
	}

	totalLength := 4 + len(headerJSON) + len(msg.Data)
	if totalLength > MaxMessageSize {
		return errs.New(errs.InvalidMessage, "transfer.WriteMessage", "message exceeds maximum size")
	}

	buf := make([]byte, 8, 8+len(headerJSON)+len(msg.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(totalLength))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(headerJSON)))
	buf = append(buf, headerJSON...)
	buf = append(buf, msg.Data...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("transfer.WriteMessage: %w", err)
	}
	return nil
}

// ReadMessage reads and decodes one frame from r, rejecting frames that
// exceed MaxMessageSize or declare an inconsistent header length.
func ReadMessage(r io.Reader) (Message, error) {
	var lengths [8]byte
	if _, err := io.ReadFull(r, lengths[:]); err != nil {
		return Message{}, fmt.Errorf("transfer.ReadMessage: reading frame lengths: %w", err)
	}
	totalLength := binary.BigEndian.Uint32(lengths[0:4])
	headerLength := binary.BigEndian.Uint32(lengths[4:8])

	if totalLength > MaxMessageSize {
		return Message{}, errs.New(errs.InvalidMessage, "transfer.ReadMessage", "message exceeds maximum size")
	}
	if uint64(headerLength)+4 > uint64(totalLength) {
		return Message{}, errs.New(errs.InvalidMessage, "transfer.ReadMessage", "header length exceeds total length")
	}

	rest := make([]byte, totalLength-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Message{}, fmt.Errorf("transfer.ReadMessage: reading frame body: %w", err)
	}

	var header Header
	if err := json.Unmarshal(rest[:headerLength], &header); err != nil {
		return Message{}, errs.Wrap(errs.InvalidMessage, "transfer.ReadMessage", "parsing header", err)
	}
	data := rest[headerLength:]
	if header.DataLength != len(data) {
		return Message{}, errs.New(errs.InvalidMessage, "transfer.ReadMessage", "header data_length does not match payload size")
	}

	return Message{Header: header, Data: data}, nil
}
