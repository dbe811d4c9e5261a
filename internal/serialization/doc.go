// Package serialization reads and writes network checkpoints in the .born
// container format.
//
//	Layout:
//	  0x00  [4 bytes]  magic "BORN"
//	  0x04  [4 bytes]  format version (uint32 LE)
//	  0x08  [4 bytes]  flags (uint32 LE)
//	  0x0C  [4 bytes]  reserved
//	  0x10  [8 bytes]  header size (uint64 LE)
//	  0x18  [8 bytes]  data size (uint64 LE)
//	  0x20  [32 bytes] SHA-256 of the data section
//	  0x40  JSON header, zero padded to a 64-byte boundary
//	        tensor data, float64 little endian, in header order
//
// Tensors are written in lexical name order so the same state always
// produces the same data section and checksum.
//
// Example:
//
//	err := serialization.WriteFile("best.born", tensors, serialization.Header{
//	    ModelType:  "convnet",
//	    Checkpoint: &serialization.CheckpointMeta{Epoch: 3},
//	})
//
//	tensors, header, err := serialization.ReadFile("best.born", serialization.ReaderOptions{})
package serialization
