package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

// ReaderOptions configures Read.
type ReaderOptions struct {
	SkipChecksumValidation bool
	ValidationLevel        ValidationLevel
}

// Read decodes a .born stream.
func Read(r io.Reader, opts ReaderOptions) (map[string]Tensor, Header, error) {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, Header{}, fmt.Errorf("serialization: read fixed header: %w", err)
	}
	if string(fixed[0:4]) != MagicBytes {
		return nil, Header{}, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != FormatVersion {
		return nil, Header{}, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, v, FormatVersion)
	}
	headerSize := binary.LittleEndian.Uint64(fixed[16:24])
	dataSize := binary.LittleEndian.Uint64(fixed[24:32])
	var stored [ChecksumSize]byte
	copy(stored[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize])

	if headerSize > MaxHeaderSize {
		return nil, Header{}, ErrHeaderTooLarge
	}
	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, Header{}, fmt.Errorf("serialization: read header: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, Header{}, fmt.Errorf("serialization: parse header: %w", err)
	}

	//nolint:gosec // G115: headerSize is bounded by MaxHeaderSize
	padding := alignedHeaderEnd(int64(headerSize)) - FixedHeaderSize - int64(headerSize)
	if _, err := io.CopyN(io.Discard, r, padding); err != nil {
		return nil, Header{}, fmt.Errorf("serialization: read padding: %w", err)
	}

	var expected int64
	for _, t := range header.Tensors {
		expected += t.Size
	}
	//nolint:gosec // G115: compared against the header's own accounting
	if int64(dataSize) != expected {
		return nil, Header{}, fmt.Errorf("%w: fixed header says %d bytes, tensors need %d", ErrDataSize, dataSize, expected)
	}
	if err := ValidateHeader(&header, expected, opts.ValidationLevel); err != nil {
		return nil, Header{}, fmt.Errorf("serialization: %w", err)
	}

	data := make([]byte, dataSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, Header{}, fmt.Errorf("serialization: read data: %w", err)
	}
	if !opts.SkipChecksumValidation {
		if err := ValidateChecksum(ComputeChecksum(data), stored); err != nil {
			return nil, Header{}, err
		}
	}

	tensors := make(map[string]Tensor, len(header.Tensors))
	for _, meta := range header.Tensors {
		values := make([]float64, meta.Size/float64Size)
		chunk := data[meta.Offset : meta.Offset+meta.Size]
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(chunk[i*float64Size:]))
		}
		tensors[meta.Name] = Tensor{Shape: append([]int(nil), meta.Shape...), Data: values}
	}
	return tensors, header, nil
}

// ReadFile decodes the .born file at path.
func ReadFile(path string, opts ReaderOptions) (map[string]Tensor, Header, error) {
	//nolint:gosec // G304: checkpoint paths come from the training configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, Header{}, fmt.Errorf("serialization: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(bufio.NewReader(f), opts)
}
