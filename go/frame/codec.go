// Package frame implements the framed serial transport spoken with the
// radio co-processor: COBS byte stuffing with a zero terminator, a
// CRC16-CCITT trailer, and a selectable CBOR or MsgPack payload codec.
package frame

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec selects the payload serialization used by a bridge.
// It's a per-bridge setting, not a per-frame one: outbound frames use
// exactly the configured codec so the co-processor can rely on it.
type Codec string

const (
	CodecCBOR    Codec = "cbor"
	CodecMsgPack Codec = "msgpack"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Canonical encoding with datetimes as epoch timestamps, matching
	// what the co-processor firmware expects.
	cborEnc, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeUnix,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeFrame serializes |msg| with |codec|, appends the big-endian
// CRC16 of the serialized payload, and COBS-stuffs the result into a
// zero-terminated frame ready for the wire.
func EncodeFrame(codec Codec, msg map[string]interface{}) ([]byte, error) {
	var payload []byte
	var err error

	switch codec {
	case CodecCBOR:
		payload, err = cborEnc.Marshal(msg)
	case CodecMsgPack:
		payload, err = msgpack.Marshal(msg)
	default:
		return nil, fmt.Errorf("unknown payload codec %q", codec)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	var buf = make([]byte, len(payload)+2)
	copy(buf, payload)
	binary.BigEndian.PutUint16(buf[len(payload):], CRC16(payload))
	return cobsEncode(buf), nil
}

// DecodeFrame un-stuffs a zero-terminated frame, verifies its CRC16
// trailer, and deserializes the payload. When MsgPack is configured and
// fails to decode, it falls back to CBOR: a mixed fleet mid-upgrade may
// still have CBOR talkers behind a MsgPack-configured bridge.
func DecodeFrame(codec Codec, raw []byte) (map[string]interface{}, error) {
	var buf, err = cobsDecode(raw)
	if err != nil {
		return nil, err
	}
	if len(buf) < 2 {
		return nil, ErrTruncated
	}

	var payload = buf[:len(buf)-2]
	if CRC16(payload) != binary.BigEndian.Uint16(buf[len(buf)-2:]) {
		return nil, ErrCRCMismatch
	}

	var msg map[string]interface{}
	switch codec {
	case CodecCBOR:
		err = cborDec.Unmarshal(payload, &msg)
	case CodecMsgPack:
		if err = msgpack.Unmarshal(payload, &msg); err != nil {
			// Graceful upgrade: inbound only.
			err = cborDec.Unmarshal(payload, &msg)
		}
	default:
		return nil, fmt.Errorf("unknown payload codec %q", codec)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return msg, nil
}
