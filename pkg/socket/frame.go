package socket

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MaxParts bounds how many parts a single message may carry.
	MaxParts = 16

	defaultMaxMessageSize = 16 << 20
)

// A multipart message is framed as:
//
//	varint(parts) | varint(len(part0)) | part0 | ... | varint(len(partN)) | partN
func appendMultipart(buf []byte, parts [][]byte) []byte {
	buf = protowire.AppendVarint(buf, uint64(len(parts)))
	for _, part := range parts {
		buf = protowire.AppendBytes(buf, part)
	}
	return buf
}

func multipartSize(parts [][]byte) int {
	size := protowire.SizeVarint(uint64(len(parts)))
	for _, part := range parts {
		size += protowire.SizeBytes(len(part))
	}
	return size
}

func readMultipart(r *bufio.Reader, maxSize int) ([][]byte, error) {
	count, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if count > MaxParts {
		return nil, fmt.Errorf("%w: %d parts", ErrProtocolViolation, count)
	}

	parts := make([][]byte, count)
	total := 0
	for i := range parts {
		size, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		total += int(size)
		if size > uint64(maxSize) || total > maxSize {
			return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrTooLargeFrame, maxSize)
		}
		parts[i] = make([]byte, size)
		if _, err := io.ReadFull(r, parts[i]); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

func readVarint(r *bufio.Reader) (uint64, error) {
	buf := make([]byte, 0, binary.MaxVarintLen64)
	for len(buf) < binary.MaxVarintLen64 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
	}

	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
	}
	return v, nil
}
