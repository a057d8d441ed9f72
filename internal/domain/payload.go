package domain

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Wire payload segments. A payload is a sequence of tagged, length-prefixed
// JSON bodies; absent segments are simply omitted.
const (
	segArgs   byte = 0x01
	segKwargs byte = 0x02
	segResult byte = 0x03
)

// EncodeArgs packs positional and keyword arguments for transport.
func EncodeArgs(args []any, kwargs map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if len(args) > 0 {
		if err := writeSegment(&buf, segArgs, args); err != nil {
			return nil, err
		}
	}
	if len(kwargs) > 0 {
		if err := writeSegment(&buf, segKwargs, kwargs); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeArgs is the inverse of EncodeArgs. Unknown segment tags are
// skipped so older readers tolerate newer payloads.
func DecodeArgs(payload []byte) (args []any, kwargs map[string]any, err error) {
	err = readSegments(payload, func(tag byte, body []byte) error {
		switch tag {
		case segArgs:
			return json.Unmarshal(body, &args)
		case segKwargs:
			return json.Unmarshal(body, &kwargs)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return args, kwargs, nil
}

// EncodeResult wraps a job's return value in a single result segment.
// A nil value still produces a segment, so "finished with nil" is
// distinguishable from "no result stored".
func EncodeResult(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeSegment(&buf, segResult, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeResult(payload []byte) (any, error) {
	var result any
	found := false
	err := readSegments(payload, func(tag byte, body []byte) error {
		if tag != segResult {
			return nil
		}
		found = true
		return json.Unmarshal(body, &result)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: payload carries no result segment", ErrInvalidArgument)
	}
	return result, nil
}

func writeSegment(buf *bytes.Buffer, tag byte, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload segment 0x%02x: %w", tag, err)
	}
	buf.WriteByte(tag)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	buf.Write(lenBuf[:n])
	buf.Write(body)
	return nil
}

func readSegments(payload []byte, fn func(tag byte, body []byte) error) error {
	for len(payload) > 0 {
		tag := payload[0]
		payload = payload[1:]
		size, n := binary.Uvarint(payload)
		if n <= 0 || size > uint64(len(payload)-n) {
			return fmt.Errorf("%w: truncated payload segment 0x%02x", ErrInvalidArgument, tag)
		}
		if err := fn(tag, payload[n:n+int(size)]); err != nil {
			return fmt.Errorf("decode payload segment 0x%02x: %w", tag, err)
		}
		payload = payload[n+int(size):]
	}
	return nil
}
