package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/mdcollab/core/internal/crdt"
)

// ErrMessageTooLarge is returned by Decode when the frame exceeds the
// configured maxMessageBytes.
var ErrMessageTooLarge = errors.New("wire: message exceeds size limit")

// ErrUnknownType is returned by Decode for an unrecognised discriminator.
var ErrUnknownType = errors.New("wire: unknown message type")

const (
	// CompressThresholdDefault is the default snapshot size, in bytes of
	// serialized JSON, above which an initial_state frame is gzipped.
	CompressThresholdDefault = 10 * 1024
	// PreviewCharsDefault bounds the quick-preview text field.
	PreviewCharsDefault = 1000
)

var knownClientTypes = map[string]bool{
	"operation": true, "cursor": true, "presence": true, "ping": true, "request_state": true,
}

// Codec validates and frames messages for one connection.
type Codec struct {
	MaxMessageBytes           int
	SnapshotCompressThreshold int
	PreviewChars              int
}

// NewCodec builds a Codec with the given limits. A zero
// compressThreshold falls back to CompressThresholdDefault; a zero
// maxMessageBytes disables the size check in Decode.
func NewCodec(maxMessageBytes, compressThreshold int) *Codec {
	if compressThreshold <= 0 {
		compressThreshold = CompressThresholdDefault
	}
	return &Codec{
		MaxMessageBytes:           maxMessageBytes,
		SnapshotCompressThreshold: compressThreshold,
		PreviewChars:              PreviewCharsDefault,
	}
}

// Decode validates the size of raw and parses it into a ClientMessage.
func (c *Codec) Decode(raw []byte) (ClientMessage, error) {
	if c.MaxMessageBytes > 0 && len(raw) > c.MaxMessageBytes {
		return ClientMessage{}, ErrMessageTooLarge
	}
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, errors.Wrap(err, "wire: decode")
	}
	if !knownClientTypes[msg.Type] {
		return ClientMessage{}, ErrUnknownType
	}
	return msg, nil
}

// Encode serializes a ServerMessage to its wire JSON.
func (c *Codec) Encode(msg ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "wire: encode")
	}
	return data, nil
}

// EncodeOperation builds the operation broadcast frame for op.
func EncodeOperation(op crdt.Operation) ServerMessage {
	w := toOperationWire(op)
	return ServerMessage{Type: "operation", Operation: &w}
}

// DecodeOperation converts a wire operation back to the CRDT shape.
func DecodeOperation(w OperationWire) crdt.Operation {
	return fromOperationWire(w)
}

// InitialStateFrame builds the initial_state frame for a freshly
// subscribed connection. snapshotJSON is the raw serialized CRDT
// snapshot; text is the full current document text. Snapshots whose
// JSON exceeds SnapshotCompressThreshold are sent gzip+base64 encoded
// with Compressed=true; the preview text is always capped at
// PreviewChars runes regardless of compression.
func (c *Codec) InitialStateFrame(documentId string, snapshotJSON []byte, text string) (ServerMessage, error) {
	preview := []rune(text)
	if len(preview) > c.PreviewChars {
		preview = preview[:c.PreviewChars]
	}

	msg := ServerMessage{
		Type:       "initial_state",
		DocumentId: documentId,
		Text:       string(preview),
	}

	if len(snapshotJSON) > c.SnapshotCompressThreshold {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(snapshotJSON); err != nil {
			return ServerMessage{}, errors.Wrap(err, "wire: compress snapshot")
		}
		if err := gw.Close(); err != nil {
			return ServerMessage{}, errors.Wrap(err, "wire: compress snapshot")
		}
		msg.Compressed = true
		msg.Data = base64.StdEncoding.EncodeToString(buf.Bytes())
		return msg, nil
	}

	msg.Compressed = false
	msg.Data = base64.StdEncoding.EncodeToString(snapshotJSON)
	return msg, nil
}

// DecodeInitialStateData reverses InitialStateFrame's Data encoding,
// decompressing first if Compressed is set.
func DecodeInitialStateData(msg ServerMessage) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return nil, errors.Wrap(err, "wire: decode base64")
	}
	if !msg.Compressed {
		return raw, nil
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "wire: gzip reader")
	}
	defer gr.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(gr); err != nil {
		return nil, errors.Wrap(err, "wire: gzip read")
	}
	return out.Bytes(), nil
}
