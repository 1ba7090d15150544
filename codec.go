package graphmesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// Content types and encodings spoken on the peer wire.
const (
	contentTypeJSON       = "application/json"
	contentTypeMsgpack    = "application/msgpack"
	contentEncodingSnappy = "snappy"
)

// Codec serializes sync payloads for the wire. The server picks its
// decoder from the request Content-Type; clients are configured with one.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

var (
	_ Codec = JSONCodec{}
	_ Codec = MsgpackCodec{}
)

// JSONCodec is the default wire codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) ContentType() string {
	return contentTypeJSON
}

// MsgpackCodec trades readability for compactness. Field names come from
// the json struct tags so both codecs agree on the wire schema.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (MsgpackCodec) ContentType() string {
	return contentTypeMsgpack
}

// codecForContentType picks the decoder matching an incoming Content-Type.
// An absent content type defaults to JSON.
func codecForContentType(contentType string) (Codec, error) {
	switch {
	case contentType == "" || strings.HasPrefix(contentType, contentTypeJSON):
		return JSONCodec{}, nil
	case strings.HasPrefix(contentType, contentTypeMsgpack):
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
}

// compressBody applies snappy block compression to a wire body.
func compressBody(data []byte) []byte {
	return snappy.Encode(nil, data)
}

// decompressBody reverses compressBody.
func decompressBody(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress body: %w", err)
	}
	return out, nil
}
