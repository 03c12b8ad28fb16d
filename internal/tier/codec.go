package tier

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// preferredCodec returns the default codec for a tier, per the engine's
// compression policy table.
func preferredCodec(t types.Tier) types.Compression {
	switch t {
	case types.TierYoung:
		return types.CompressionNone
	case types.TierMature:
		return types.CompressionLZ4
	case types.TierOld:
		return types.CompressionZSTD
	case types.TierRemote:
		return types.CompressionGzip
	default:
		return types.CompressionGzip
	}
}

// compress encodes data with codec, falling back to gzip if the preferred
// codec's encoder is unavailable (the engine treats gzip as the universal
// fallback for every tier).
func compress(data []byte, codec types.Compression) ([]byte, types.Compression, error) {
	switch codec {
	case types.CompressionNone:
		return data, types.CompressionNone, nil
	case types.CompressionLZ4:
		out, err := compressLZ4(data)
		if err != nil {
			return compress(data, types.CompressionGzip)
		}
		return out, types.CompressionLZ4, nil
	case types.CompressionZSTD:
		out, err := compressZSTD(data)
		if err != nil {
			return compress(data, types.CompressionGzip)
		}
		return out, types.CompressionZSTD, nil
	case types.CompressionGzip:
		out, err := compressGzip(data)
		if err != nil {
			return nil, "", types.NewError("compress_for_tier", types.KindCorrupt, err)
		}
		return out, types.CompressionGzip, nil
	default:
		return nil, "", types.NewError("compress_for_tier", types.KindValidation, fmt.Errorf("unknown codec %q", codec))
	}
}

// decompress reverses compress; a signature mismatch surfaces as a Corrupt
// kind so the caller can mark the item corrupt and exclude it from bundles.
func decompress(data []byte, codec types.Compression) ([]byte, error) {
	switch codec {
	case types.CompressionNone:
		return data, nil
	case types.CompressionLZ4:
		out, err := decompressLZ4(data)
		if err != nil {
			return nil, types.NewError("decompress", types.KindCorrupt, err)
		}
		return out, nil
	case types.CompressionZSTD:
		out, err := decompressZSTD(data)
		if err != nil {
			return nil, types.NewError("decompress", types.KindCorrupt, err)
		}
		return out, nil
	case types.CompressionGzip:
		out, err := decompressGzip(data)
		if err != nil {
			return nil, types.NewError("decompress", types.KindCorrupt, err)
		}
		return out, nil
	default:
		return nil, types.NewError("decompress", types.KindValidation, fmt.Errorf("unknown codec %q", codec))
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}

func compressZSTD(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressZSTD(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
