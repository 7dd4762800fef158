// Package adaptation encodes opaque engine checkpoint blobs into the
// compressed, text-safe envelope exchanged with the dispatch server, and
// decodes them back. The transform is stateless and round-trip exact.
package adaptation

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/veltalab/asrworker/pkg/wire"
)

// TypeTag is the only envelope encoding the worker understands. The "gzip"
// in the name is historical; the payload is a zlib stream.
const TypeTag = "string+gzip+base64"

// timeLayout is the second-granularity timestamp format the server expects.
const timeLayout = "2006-01-02T15:04:05"

// ErrUnsupportedType is returned by Decode for any envelope whose type tag is
// not TypeTag. Callers log and drop such states.
var ErrUnsupportedType = errors.New("adaptation: unsupported state type")

// Encode compresses blob and wraps it in a wire envelope stamped with now.
func Encode(blob []byte, now time.Time) (*wire.AdaptationState, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(blob); err != nil {
		return nil, fmt.Errorf("adaptation: compress state: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("adaptation: compress state: %w", err)
	}
	return &wire.AdaptationState{
		Type:  TypeTag,
		Value: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Time:  now.Format(timeLayout),
	}, nil
}

// Decode unwraps an inbound envelope and returns the original blob.
func Decode(state *wire.AdaptationState) ([]byte, error) {
	if state.Type != TypeTag {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, state.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(state.Value)
	if err != nil {
		return nil, fmt.Errorf("adaptation: decode state value: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("adaptation: decompress state: %w", err)
	}
	defer zr.Close()
	blob, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("adaptation: decompress state: %w", err)
	}
	return blob, nil
}
