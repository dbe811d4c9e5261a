package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Write encodes tensors into w. The Tensors, FormatVersion and (when zero)
// CreatedAt fields of header are filled in.
func Write(w io.Writer, tensors map[string]Tensor, header Header) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header.FormatVersion = FormatVersion
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	header.Tensors = make([]TensorMeta, 0, len(names))

	var data []byte
	for _, name := range names {
		t := tensors[name]
		if t.Elements() != len(t.Data) {
			return fmt.Errorf("serialization: tensor %q has shape %v but %d values", name, t.Shape, len(t.Data))
		}
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  DTypeFloat64,
			Shape:  append([]int(nil), t.Shape...),
			Offset: int64(len(data)),
			Size:   int64(len(t.Data) * float64Size),
		})
		data = appendFloat64s(data, t.Data)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("serialization: marshal header: %w", err)
	}
	if len(headerJSON) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if header.Checkpoint != nil {
		flags |= FlagHasCheckpoint
	}

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(data)))
	sum := ComputeChecksum(data)
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], sum[:])

	padding := alignedHeaderEnd(int64(len(headerJSON))) - FixedHeaderSize - int64(len(headerJSON))
	for _, part := range [][]byte{fixed, headerJSON, make([]byte, padding), data} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("serialization: write: %w", err)
		}
	}
	return nil
}

// WriteFile writes tensors to path. The file is written under a temporary
// name and renamed, so an interrupted save never leaves a truncated
// checkpoint behind.
func WriteFile(path string, tensors map[string]Tensor, header Header) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("serialization: create %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = Write(tmp, tensors, header); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("serialization: close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("serialization: rename to %s: %w", path, err)
	}
	return nil
}

func appendFloat64s(dst []byte, values []float64) []byte {
	for _, v := range values {
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
	}
	return dst
}
