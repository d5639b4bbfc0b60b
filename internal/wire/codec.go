package wire

import (
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

var mh = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	return h
}

// Marshal encodes v as MessagePack.
func Marshal(v any) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, mh).Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return b, nil
}

// Unmarshal decodes MessagePack data into v.
func Unmarshal(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, mh).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// WriteMessage encodes v and writes it as one frame.
func WriteMessage(w io.Writer, v any, max int) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, b, max)
}

// ReadMessage reads one frame and decodes it into v.
func ReadMessage(r io.Reader, v any, max int) error {
	b, err := ReadFrame(r, max)
	if err != nil {
		return err
	}
	return Unmarshal(b, v)
}
