package graph

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// codecVersion prefixes every encoded graph.
const codecVersion byte = 1

// ErrCorrupt is returned when stored graph bytes cannot be decoded.
var ErrCorrupt = errors.New("corrupt graph encoding")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	// Core deterministic encoding: the same graph always yields the same bytes,
	// which is what Fingerprint relies on.
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("graph: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("graph: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("graph: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("graph: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a graph as version-prefixed, zstd-compressed CBOR.
func Encode(g *models.EntityGraph) ([]byte, error) {
	raw, err := encMode.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}
	out := make([]byte, 1, 1+len(raw)/2)
	out[0] = codecVersion
	return zstdEncoder.EncodeAll(raw, out), nil
}

// Decode reverses Encode.
func Decode(data []byte) (*models.EntityGraph, error) {
	if len(data) < 2 || data[0] != codecVersion {
		return nil, fmt.Errorf("%w: unknown version", ErrCorrupt)
	}
	raw, err := zstdDecoder.DecodeAll(data[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	var g models.EntityGraph
	if err := decMode.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if g.Entities == nil {
		g.Entities = make(map[string]models.Entity)
	}
	if g.Edges == nil {
		g.Edges = make(map[string][]string)
	}
	return &g, nil
}
