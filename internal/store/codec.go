package store

import (
	"fmt"

	"github.com/golang/snappy"

	"github.com/thebtf/engram-context/pkg/models"
)

// CompressionError reports a payload that could not be encoded or decoded.
type CompressionError struct {
	RecordID models.RecordID
	Op       string
	Err      error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("compression %s failed for record %s: %v", e.Op, e.RecordID, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// Codec compresses record payloads.
type Codec interface {
	Encoding() models.Encoding
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// SnappyCodec compresses payloads with snappy block encoding.
type SnappyCodec struct{}

func (SnappyCodec) Encoding() models.Encoding { return models.EncodingSnappy }

func (SnappyCodec) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (SnappyCodec) Decode(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

// decodePayload restores the narrative of a stored record.
func decodePayload(codec Codec, rec *models.ContextRecord) error {
	switch rec.Encoding {
	case models.EncodingNone, "":
		rec.Narrative = string(rec.Payload)
		return nil
	case codec.Encoding():
		data, err := codec.Decode(rec.Payload)
		if err != nil {
			return &CompressionError{RecordID: rec.ID, Op: "decode", Err: err}
		}
		rec.Narrative = string(data)
		return nil
	default:
		return &CompressionError{RecordID: rec.ID, Op: "decode", Err: fmt.Errorf("unsupported encoding %q", rec.Encoding)}
	}
}
