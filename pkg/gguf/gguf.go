// Package gguf inspects GGUF model files: format detection, byte-order
// probing, and chat-template metadata extraction.
package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	parser "github.com/gpustack/gguf-parser-go"
)

const (
	// magic is the four-byte marker at the start of every GGUF file.
	magic = "GGUF"

	// supportedVersion is the GGUF container version this package understands.
	supportedVersion = 3

	// chatTemplateKey is the metadata key holding the embedded chat template.
	chatTemplateKey = "tokenizer.chat_template"
)

// ParseError indicates a file that looked like GGUF but could not be decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse gguf file %q: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsGGUF reports whether the file at path starts with the GGUF magic number.
// Unreadable files are reported as non-GGUF.
func IsGGUF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var buf [4]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return false
	}
	return string(buf[:]) == magic
}

// FileByteOrder returns the byte order a GGUF file was encoded with. The
// container version field directly follows the magic number; reading it in
// both byte orders disambiguates the encoding.
func FileByteOrder(path string) (ByteOrder, error) {
	f, err := os.Open(path)
	if err != nil {
		return LittleEndian, fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()

	var header [8]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return LittleEndian, &ParseError{Path: path, Err: fmt.Errorf("read header: %w", err)}
	}
	if string(header[:4]) != magic {
		return LittleEndian, &ParseError{Path: path, Err: fmt.Errorf("invalid magic number %q", header[:4])}
	}

	if binary.LittleEndian.Uint32(header[4:]) == supportedVersion {
		return LittleEndian, nil
	}
	if binary.BigEndian.Uint32(header[4:]) == supportedVersion {
		return BigEndian, nil
	}
	return LittleEndian, &ParseError{
		Path: path,
		Err:  fmt.Errorf("unsupported gguf version, expected %d", supportedVersion),
	}
}

// ChatTemplate extracts the embedded chat template from a GGUF file's header
// metadata. It returns an empty string when the model carries none.
func ChatTemplate(path string) (string, error) {
	gf, err := parser.ParseGGUFFile(path, parser.SkipLargeMetadata())
	if err != nil {
		return "", &ParseError{Path: path, Err: err}
	}
	for _, kv := range gf.Header.MetadataKV {
		if kv.Key == chatTemplateKey && kv.ValueType == parser.GGUFMetadataValueTypeString {
			return kv.ValueString(), nil
		}
	}
	return "", nil
}
