package checkpoint

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	// Core deterministic encoding: identical state always produces
	// identical bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("checkpoint: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("checkpoint: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("checkpoint: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a checkpoint as zstd-compressed CBOR.
func Encode(cp Checkpoint) ([]byte, error) {
	raw, err := encMode.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Checkpoint, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	var cp Checkpoint
	if err := decMode.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: unmarshal: %v", ErrCorrupt, err)
	}
	if cp.Version != Version {
		return Checkpoint{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, cp.Version)
	}
	return cp, nil
}
