package speech

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// 火山引擎 SAUC 二进制协议：4 字节头 + 可选序号 + 4 字节负载长度 + 负载

const protocolVersion = 0b0001

type MessageType uint8

const (
	FullClientRequest  MessageType = 0b0001
	AudioOnlyRequest   MessageType = 0b0010
	FullServerResponse MessageType = 0b1001
	ServerAck          MessageType = 0b1011
	ErrorMessage       MessageType = 0b1111
)

type MessageFlags uint8

const (
	NoSequence       MessageFlags = 0b0000
	PositiveSequence MessageFlags = 0b0001
	LastNoSequence   MessageFlags = 0b0010
	NegativeSequence MessageFlags = 0b0011
)

type Serialization uint8

const (
	NoSerialization   Serialization = 0b0000
	JSONSerialization Serialization = 0b0001
)

type Compression uint8

const (
	NoCompression   Compression = 0b0000
	GzipCompression Compression = 0b0001
)

// Header is the fixed 4-byte message header.
type Header struct {
	Type          MessageType
	Flags         MessageFlags
	Serialization Serialization
	Compression   Compression
	// Size is the header length in 4-byte words. Extra words are skipped on decode.
	Size uint8
}

// Message is one binary frame on the ASR socket.
type Message struct {
	Header    Header
	Sequence  int32
	ErrorCode uint32
	Payload   []byte
}

func (h Header) hasSequence() bool {
	f := h.Flags & 0b0011
	return f == PositiveSequence || f == NegativeSequence
}

// IsLast reports whether the sender marked this as its final packet.
func (m *Message) IsLast() bool {
	f := m.Header.Flags & 0b0011
	return f == LastNoSequence || f == NegativeSequence
}

// EncodeMessage serialises m. Payload length is taken from m.Payload.
func EncodeMessage(m *Message) []byte {
	var buf bytes.Buffer
	size := m.Header.Size
	if size == 0 {
		size = 1
	}
	buf.Write([]byte{
		protocolVersion<<4 | size&0x0F,
		uint8(m.Header.Type)<<4 | uint8(m.Header.Flags)&0x0F,
		uint8(m.Header.Serialization)<<4 | uint8(m.Header.Compression)&0x0F,
		0x00,
	})
	for i := 1; i < int(size); i++ {
		buf.Write(make([]byte, 4))
	}

	var word [4]byte
	if m.Header.hasSequence() {
		binary.BigEndian.PutUint32(word[:], uint32(m.Sequence))
		buf.Write(word[:])
	}
	if m.Header.Type == ErrorMessage {
		binary.BigEndian.PutUint32(word[:], m.ErrorCode)
		buf.Write(word[:])
	}
	binary.BigEndian.PutUint32(word[:], uint32(len(m.Payload)))
	buf.Write(word[:])
	buf.Write(m.Payload)
	return buf.Bytes()
}

// DecodeMessage parses one frame.
func DecodeMessage(data []byte) (*Message, error) {
	r := bytes.NewReader(data)

	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if v := head[0] >> 4; v != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", v)
	}

	m := &Message{Header: Header{
		Size:          head[0] & 0x0F,
		Type:          MessageType(head[1] >> 4),
		Flags:         MessageFlags(head[1] & 0x0F),
		Serialization: Serialization(head[2] >> 4),
		Compression:   Compression(head[2] & 0x0F),
	}}
	if m.Header.Size == 0 {
		return nil, errors.New("invalid header size 0")
	}
	if extra := int64(m.Header.Size-1) * 4; extra > 0 {
		if _, err := r.Seek(extra, io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("skip header extension: %w", err)
		}
	}

	readWord := func(what string) (uint32, error) {
		var w [4]byte
		if _, err := io.ReadFull(r, w[:]); err != nil {
			return 0, fmt.Errorf("read %s: %w", what, err)
		}
		return binary.BigEndian.Uint32(w[:]), nil
	}

	if m.Header.hasSequence() {
		seq, err := readWord("sequence")
		if err != nil {
			return nil, err
		}
		m.Sequence = int32(seq)
	}
	if m.Header.Type == ErrorMessage {
		code, err := readWord("error code")
		if err != nil {
			return nil, err
		}
		m.ErrorCode = code
	}
	size, err := readWord("payload size")
	if err != nil {
		return nil, err
	}
	if int64(size) > int64(r.Len()) {
		return nil, fmt.Errorf("payload truncated: want %d bytes, have %d", size, r.Len())
	}
	m.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, m.Payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return m, nil
}

func newFullClientRequest(payload []byte) *Message {
	return &Message{
		Header: Header{
			Type:          FullClientRequest,
			Flags:         NoSequence,
			Serialization: JSONSerialization,
			Compression:   GzipCompression,
		},
		Payload: payload,
	}
}

// newAudioRequest builds an audio packet. The last packet carries the
// negated sequence number.
func newAudioRequest(audio []byte, seq int32, last bool) *Message {
	flags := PositiveSequence
	if last {
		flags = NegativeSequence
		seq = -seq
	}
	return &Message{
		Header: Header{
			Type:          AudioOnlyRequest,
			Flags:         flags,
			Serialization: NoSerialization,
			Compression:   GzipCompression,
		},
		Sequence: seq,
		Payload:  audio,
	}
}
