package signaling

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Encoding is the Description.Encoding value for SDPs produced by Encode.
const Encoding = "gzip+base64url"

const (
	// MaxSDPSize bounds the raw SDP accepted by Encode and produced by Decode.
	MaxSDPSize = 32 * 1024

	minEncodedLength = 4

	// compressionRatio is the typical encoded/raw size ratio for an SDP.
	compressionRatio = 0.75
)

// Encode compresses sdp with gzip and returns it as unpadded base64url, short
// enough to paste into a chat or a URL.
func Encode(sdp string) (string, error) {
	if sdp == "" {
		return "", errors.New("SDP cannot be empty")
	}
	if len(sdp) > MaxSDPSize {
		return "", fmt.Errorf("SDP too large: %d bytes (max %d)", len(sdp), MaxSDPSize)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := zw.Write([]byte(sdp)); err != nil {
		return "", fmt.Errorf("failed to compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode.
func Decode(encoded string) (string, error) {
	if encoded == "" {
		return "", errors.New("encoded string cannot be empty")
	}
	if len(encoded) < minEncodedLength {
		return "", fmt.Errorf("encoded string too short: %d characters", len(encoded))
	}
	if !isValidBase64URL(encoded) {
		return "", errors.New("invalid base64url characters in encoded string")
	}

	compressed, err := base64.URLEncoding.DecodeString(addBase64Padding(encoded))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64url: %w", err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", fmt.Errorf("failed to decompress: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, MaxSDPSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to decompress: %w", err)
	}
	if len(raw) > MaxSDPSize {
		return "", fmt.Errorf("decoded SDP too large: more than %d bytes", MaxSDPSize)
	}

	return string(raw), nil
}

// EstimateCompressionRatio returns the typical encoded/raw size ratio.
func EstimateCompressionRatio() float64 {
	return compressionRatio
}

// EstimateEncodedSize predicts the length of Encode's output for a raw SDP of
// rawSize bytes.
func EstimateEncodedSize(rawSize int) int {
	return int(float64(rawSize) * compressionRatio)
}

func isValidBase64URL(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// addBase64Padding restores the '=' padding stripped by Encode. Lengths that
// no valid encoding can have are returned unchanged.
func addBase64Padding(s string) string {
	switch len(s) % 4 {
	case 2:
		return s + "=="
	case 3:
		return s + "="
	}
	return s
}
