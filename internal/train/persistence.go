package train

import (
	"fmt"
	"sync"

	"github.com/born-ml/convnet/internal/network"
	"github.com/born-ml/convnet/internal/serialization"
)

// Checkpoint describes the training state a saved network belongs to.
type Checkpoint = serialization.CheckpointMeta

// Persistence stores and restores network state.
type Persistence interface {
	Save(net *network.Network, path string, meta Checkpoint) error
	Load(net *network.Network, path string) (Checkpoint, error)
}

// BornPersistence keeps checkpoints in .born files.
type BornPersistence struct {
	ModelType  string
	Validation serialization.ValidationLevel
}

func (p BornPersistence) Save(net *network.Network, path string, meta Checkpoint) error {
	state := net.StateDict()
	tensors := make(map[string]serialization.Tensor, len(state))
	for key, param := range state {
		tensors[key] = serialization.Tensor{Shape: param.Shape(), Data: param.Value}
	}
	header := serialization.Header{
		ModelType:  p.ModelType,
		Metadata:   map[string]string{"layers": fmt.Sprint(net.Len())},
		Checkpoint: &meta,
	}
	if err := serialization.WriteFile(path, tensors, header); err != nil {
		return fmt.Errorf("train: save checkpoint: %w", err)
	}
	return nil
}

func (p BornPersistence) Load(net *network.Network, path string) (Checkpoint, error) {
	tensors, header, err := serialization.ReadFile(path, serialization.ReaderOptions{ValidationLevel: p.Validation})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("train: load checkpoint: %w", err)
	}
	values := make(map[string][]float64, len(tensors))
	for key, t := range tensors {
		values[key] = t.Data
	}
	if err := net.LoadStateDict(values); err != nil {
		return Checkpoint{}, fmt.Errorf("train: load checkpoint %s: %w", path, err)
	}
	if header.Checkpoint == nil {
		return Checkpoint{}, nil
	}
	return *header.Checkpoint, nil
}

// MemoryPersistence keeps checkpoints in memory, keyed by path.
type MemoryPersistence struct {
	mu    sync.Mutex
	saved map[string]memoryCheckpoint
}

type memoryCheckpoint struct {
	values map[string][]float64
	meta   Checkpoint
}

// NewMemoryPersistence returns an empty in-memory store.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{saved: make(map[string]memoryCheckpoint)}
}

func (p *MemoryPersistence) Save(net *network.Network, path string, meta Checkpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved[path] = memoryCheckpoint{values: net.Snapshot(), meta: meta}
	return nil
}

func (p *MemoryPersistence) Load(net *network.Network, path string) (Checkpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.saved[path]
	if !ok {
		return Checkpoint{}, fmt.Errorf("train: no checkpoint at %q", path)
	}
	if err := net.LoadStateDict(c.values); err != nil {
		return Checkpoint{}, err
	}
	return c.meta, nil
}
