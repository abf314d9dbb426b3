package gguf

import (
	"fmt"
	"unsafe"
)

// ByteOrder identifies the endianness of a GGUF file or of the host.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big"
	}
	return "little"
}

var nativeByteOrder = func() ByteOrder {
	var x uint16 = 1
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return LittleEndian
	}
	return BigEndian
}()

// NativeByteOrder returns the byte order of the host.
func NativeByteOrder() ByteOrder {
	return nativeByteOrder
}

// EndianMismatchError indicates a model whose encoding does not match the
// host byte order and therefore cannot be loaded.
type EndianMismatchError struct {
	Host  ByteOrder
	Model ByteOrder
}

func (e *EndianMismatchError) Error() string {
	return fmt.Sprintf("endian mismatch: host is %s-endian, model is %s-endian", e.Host, e.Model)
}
