package serialization

import "time"

const (
	MagicBytes      = "BORN"
	FormatVersion   = 2
	FixedHeaderSize = 0x40
	ChecksumOffset  = 0x20
	ChecksumSize    = 32
	DataAlignment   = 64

	// DTypeFloat64 is the only element type networks persist.
	DTypeFloat64 = "float64"
	float64Size  = 8
)

// Flags in the fixed header.
const (
	FlagHasMetadata   uint32 = 1 << 0
	FlagHasCheckpoint uint32 = 1 << 1
)

// Tensor is a named block of parameters.
type Tensor struct {
	Shape []int
	Data  []float64
}

// Elements returns the product of the shape dimensions.
func (t Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Header is the JSON header of a .born file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	ModelType     string            `json:"model_type"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Checkpoint    *CheckpointMeta   `json:"checkpoint,omitempty"`
}

// CheckpointMeta records the training state a checkpoint was taken at.
type CheckpointMeta struct {
	RunID           string  `json:"run_id"`
	Epoch           int     `json:"epoch"`
	LearningRate    float64 `json:"learning_rate"`
	ValidationLoss  float64 `json:"validation_loss"`
	ValidationError float64 `json:"validation_error"`
	Annealings      int     `json:"annealings"`
}

// TensorMeta locates a tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // bytes from the start of the data section
	Size   int64  `json:"size"`   // bytes
}

func alignedHeaderEnd(headerSize int64) int64 {
	pos := int64(FixedHeaderSize) + headerSize
	return pos + (DataAlignment-pos%DataAlignment)%DataAlignment
}
