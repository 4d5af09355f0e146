package durable

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// recordVersion is bumped whenever the record layout changes.
const recordVersion = 1

// maxRecordBody bounds the uncompressed body of a record.
const maxRecordBody = 64 << 20

// compression identifies how a record body is stored.
type compression uint8

const (
	compressNone compression = 0
	compressLZ4  compression = 1
	compressZstd compression = 2
)

// record is the on-backend form of a StoredResponse.
type record struct {
	Version     uint8               `cbor:"1,keyasint"`
	URL         string              `cbor:"2,keyasint"`
	Status      int                 `cbor:"3,keyasint"`
	Header      map[string][]string `cbor:"4,keyasint,omitempty"`
	StoredAt    int64               `cbor:"5,keyasint"`
	Compression compression         `cbor:"6,keyasint"`
	Size        int                 `cbor:"7,keyasint"`
	Body        []byte              `cbor:"8,keyasint"`
}

var (
	encMode     cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("durable: CBOR encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("durable: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxRecordBody))
	if err != nil {
		panic("durable: zstd decoder initialization failed: " + err.Error())
	}
}

var errIncompressible = errors.New("data is incompressible")

func encodeRecord(resp *StoredResponse) ([]byte, error) {
	if len(resp.Body) > maxRecordBody {
		return nil, fmt.Errorf("record body of %d bytes exceeds limit of %d", len(resp.Body), maxRecordBody)
	}
	rec := record{
		Version:  recordVersion,
		URL:      resp.URL,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: resp.StoredAt.UnixNano(),
		Size:     len(resp.Body),
	}

	rec.Compression = chooseCompression(resp.Header.Get("Content-Type"))
	body, err := compress(resp.Body, rec.Compression)
	if errors.Is(err, errIncompressible) {
		rec.Compression = compressNone
		body = resp.Body
	} else if err != nil {
		return nil, err
	}
	rec.Body = body

	data, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*StoredResponse, error) {
	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported record version %d", rec.Version)
	}
	body, err := decompress(rec.Body, rec.Compression, rec.Size)
	if err != nil {
		return nil, err
	}
	return &StoredResponse{
		URL:      rec.URL,
		Status:   rec.Status,
		Header:   http.Header(rec.Header),
		Body:     body,
		StoredAt: time.Unix(0, rec.StoredAt),
	}, nil
}

// chooseCompression picks zstd for text-like content, which compresses well,
// and lz4 for everything else.
func chooseCompression(contentType string) compression {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return compressLZ4
	}
	switch {
	case strings.HasPrefix(mediaType, "text/"),
		strings.HasSuffix(mediaType, "json"),
		strings.HasSuffix(mediaType, "javascript"),
		strings.HasSuffix(mediaType, "xml"):
		return compressZstd
	}
	return compressLZ4
}

func compress(data []byte, c compression) ([]byte, error) {
	if len(data) == 0 {
		return nil, errIncompressible
	}
	switch c {
	case compressNone:
		return data, nil
	case compressLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case compressZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %d", c)
	}
}

func decompress(data []byte, c compression, size int) ([]byte, error) {
	if size < 0 || size > maxRecordBody {
		return nil, fmt.Errorf("record body: invalid size %d", size)
	}
	switch c {
	case compressNone:
		if len(data) != size {
			return nil, fmt.Errorf("record body: size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case compressLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case compressZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %d", c)
	}
}
