package tnet

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"small", []byte("hello")},
		{"exact 512", bytes.Repeat([]byte("a"), 512)},
		{"large", bytes.Repeat([]byte("b"), 20000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := encodeFrame(tt.payload)
			got, err := decodeFrame(bytes.NewReader(frame), DefaultMaxFrameSize)
			if err != nil {
				t.Fatalf("decodeFrame: %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Fatalf("round trip mismatch: got %q want %q", got, tt.payload)
			}
		})
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	frame := encodeFrame(bytes.Repeat([]byte("x"), 100))
	_, err := decodeFrame(bytes.NewReader(frame), 10)
	if err == nil {
		t.Fatal("expected ErrFrameTooLarge, got nil")
	}
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeFrameTruncated(t *testing.T) {
	frame := encodeFrame([]byte("hello world"))
	truncated := frame[:len(frame)-3]
	_, err := decodeFrame(bytes.NewReader(truncated), DefaultMaxFrameSize)
	if err == nil {
		t.Fatal("expected ErrTruncated, got nil")
	}
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
