package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFramer_WriteMessage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "simple payload", data: []byte(`{"message":"hello"}`)},
		{name: "empty payload", data: []byte{}},
		{name: "binary payload", data: []byte{0x00, 0xff, 0x10, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			framer := NewFramer(&buf)

			if err := framer.WriteMessage(tt.data); err != nil {
				t.Fatalf("WriteMessage() error = %v", err)
			}

			written := buf.Bytes()
			if len(written) < lengthHeaderSize {
				t.Fatal("frame too short")
			}

			length := binary.LittleEndian.Uint32(written[:lengthHeaderSize])
			if int(length) != len(tt.data) {
				t.Errorf("length mismatch: header=%d, actual=%d", length, len(tt.data))
			}

			payload := written[lengthHeaderSize:]
			if !bytes.Equal(payload, tt.data) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestFramer_ReadMessage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "simple payload", data: []byte(`{"result":"success"}`)},
		{name: "empty payload", data: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			writeFramer := NewFramer(&buf)
			if err := writeFramer.WriteMessage(tt.data); err != nil {
				t.Fatalf("failed to write message: %v", err)
			}

			readFramer := NewFramer(&buf)
			msg, err := readFramer.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}

			if !bytes.Equal(msg, tt.data) {
				t.Errorf("read message doesn't match original: got=%v want=%v", msg, tt.data)
			}
		})
	}
}

func TestFramer_MaxFrameSize(t *testing.T) {
	var buf bytes.Buffer
	maxSize := 100
	framer := NewFramerWithMaxSize(&buf, maxSize)

	largeData := make([]byte, maxSize+1)
	err := framer.WriteMessage(largeData)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFramer_ReadMessage_OversizeDeclaredLength(t *testing.T) {
	maxSize := 16
	var buf bytes.Buffer
	header := make([]byte, lengthHeaderSize)
	binary.LittleEndian.PutUint32(header, uint32(maxSize+1))
	buf.Write(header)

	framer := NewFramerWithMaxSize(&buf, maxSize)
	_, err := framer.ReadMessage()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFramer_ReadMessage_CleanEOFBeforeFrame(t *testing.T) {
	var buf bytes.Buffer
	framer := NewFramer(&buf)

	_, err := framer.ReadMessage()
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF for empty stream, got %v", err)
	}
}

func TestFramer_ReadMessage_MidFrameEOF(t *testing.T) {
	tests := []struct {
		name string
		buf  func() *bytes.Buffer
	}{
		{
			name: "partial length header",
			buf: func() *bytes.Buffer {
				var b bytes.Buffer
				b.Write([]byte{0x01, 0x02})
				return &b
			},
		},
		{
			name: "partial payload",
			buf: func() *bytes.Buffer {
				var b bytes.Buffer
				header := make([]byte, lengthHeaderSize)
				binary.LittleEndian.PutUint32(header, 10)
				b.Write(header)
				b.Write([]byte{0x01, 0x02, 0x03})
				return &b
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framer := NewFramer(tt.buf())
			_, err := framer.ReadMessage()
			if !errors.Is(err, ErrMidFrameEOF) {
				t.Errorf("expected ErrMidFrameEOF, got %v", err)
			}
		})
	}
}

func TestFramer_PartialRead(t *testing.T) {
	data := []byte(`{"test":true,"padding":"01234567890123456789"}`)

	var fullBuf bytes.Buffer
	framer := NewFramer(&fullBuf)
	if err := framer.WriteMessage(data); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}

	pr := &partialReader{
		data:      fullBuf.Bytes(),
		chunkSize: 10,
	}

	readFramer := NewFramer(pr)
	msg, err := readFramer.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	if !bytes.Equal(msg, data) {
		t.Error("partial read resulted in corrupted message")
	}
}

// partialReader simulates reading data in small chunks, forcing ReadMessage's
// use of io.ReadFull to stitch together multiple underlying Read calls.
type partialReader struct {
	data      []byte
	offset    int
	chunkSize int
}

func (r *partialReader) Read(p []byte) (n int, err error) {
	if r.offset >= len(r.data) {
		return 0, io.EOF
	}

	remaining := len(r.data) - r.offset
	toRead := r.chunkSize
	if toRead > remaining {
		toRead = remaining
	}
	if toRead > len(p) {
		toRead = len(p)
	}

	copy(p, r.data[r.offset:r.offset+toRead])
	r.offset += toRead
	return toRead, nil
}

func (r *partialReader) Write(_ []byte) (n int, err error) {
	return 0, io.ErrClosedPipe
}
