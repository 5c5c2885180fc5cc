package events

import (
	"bytes"
	"errors"
)

var (
	dataPrefix = []byte("data:")
	// FrameTerminator separates frames on the wire.
	FrameTerminator = []byte("\n\n")
)

// ErrEmptyFrame is returned for frames that carry no data lines, e.g. keep-alive comments.
var ErrEmptyFrame = errors.New("frame has no data")

// EncodeFrame renders ev as `data: <json>\n\n`.
func EncodeFrame(ev Event) ([]byte, error) {
	body, err := Marshal(ev)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+8)
	out = append(out, "data: "...)
	out = append(out, body...)
	out = append(out, FrameTerminator...)
	return out, nil
}

// DecodeFrame parses one frame without its terminator. Multiple data lines are
// joined with a newline; comment lines and other fields are ignored.
func DecodeFrame(frame []byte) (Event, error) {
	data, ok := frameData(frame)
	if !ok {
		return nil, ErrEmptyFrame
	}
	return Unmarshal(data)
}

func frameData(frame []byte) ([]byte, bool) {
	var (
		data  []byte
		found bool
	)
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		v := line[len(dataPrefix):]
		v = bytes.TrimPrefix(v, []byte(" "))
		if found {
			data = append(data, '\n')
		}
		data = append(data, v...)
		found = true
	}
	return data, found
}
