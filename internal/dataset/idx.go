package dataset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/convnet/internal/tensor"
)

// IDX magic numbers for unsigned-byte images and labels.
const (
	idxImagesMagic = 0x00000803
	idxLabelsMagic = 0x00000801
)

// LoadIDX reads an image file and a label file in the IDX format used by
// MNIST. Pixels are scaled to [0, 1]. maxSamples <= 0 loads everything.
func LoadIDX(imagesPath, labelsPath string, classes, maxSamples int) (*Memory, error) {
	imgFile, err := os.Open(imagesPath) //nolint:gosec // G304: dataset paths are user supplied
	if err != nil {
		return nil, err
	}
	defer imgFile.Close()
	lblFile, err := os.Open(labelsPath) //nolint:gosec // G304: dataset paths are user supplied
	if err != nil {
		return nil, err
	}
	defer lblFile.Close()
	return ReadIDX(bufio.NewReader(imgFile), bufio.NewReader(lblFile), classes, maxSamples)
}

// ReadIDX decodes IDX image and label streams.
func ReadIDX(images, labels io.Reader, classes, maxSamples int) (*Memory, error) {
	rows, cols, pixels, err := readIDXImages(images, maxSamples)
	if err != nil {
		return nil, fmt.Errorf("dataset: images: %w", err)
	}
	lbls, err := readIDXLabels(labels, maxSamples)
	if err != nil {
		return nil, fmt.Errorf("dataset: labels: %w", err)
	}
	if len(pixels) != len(lbls) {
		return nil, fmt.Errorf("%w: %d images but %d labels", ErrInvalid, len(pixels), len(lbls))
	}

	examples := make([][]float64, len(pixels))
	for i, img := range pixels {
		x := make([]float64, len(img))
		for j, p := range img {
			x[j] = float64(p) / 255
		}
		examples[i] = x
	}
	shape := tensor.Shape{Depth: 1, Height: rows, Width: cols}
	return NewMemory(shape, classes, examples, lbls)
}

func readIDXImages(r io.Reader, maxSamples int) (rows, cols int, images [][]byte, err error) {
	var head [4]uint32
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return 0, 0, nil, fmt.Errorf("read header: %w", err)
	}
	if head[0] != idxImagesMagic {
		return 0, 0, nil, fmt.Errorf("%w: image magic %#x, want %#x", ErrInvalid, head[0], idxImagesMagic)
	}
	n := limit(int(head[1]), maxSamples)
	rows, cols = int(head[2]), int(head[3])
	images = make([][]byte, n)
	for i := range images {
		images[i] = make([]byte, rows*cols)
		if _, err := io.ReadFull(r, images[i]); err != nil {
			return 0, 0, nil, fmt.Errorf("read image %d: %w", i, err)
		}
	}
	return rows, cols, images, nil
}

func readIDXLabels(r io.Reader, maxSamples int) ([]int, error) {
	var head [2]uint32
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if head[0] != idxLabelsMagic {
		return nil, fmt.Errorf("%w: label magic %#x, want %#x", ErrInvalid, head[0], idxLabelsMagic)
	}
	raw := make([]byte, limit(int(head[1]), maxSamples))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	labels := make([]int, len(raw))
	for i, b := range raw {
		labels[i] = int(b)
	}
	return labels, nil
}

func limit(n, maxSamples int) int {
	if maxSamples > 0 && n > maxSamples {
		return maxSamples
	}
	return n
}
