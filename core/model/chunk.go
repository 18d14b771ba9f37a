package model

type Chunk struct {
	StreamID string
	Offset   int64
	Payload  []byte
}

// AssembledFile is the handle returned once a stream's chunks are written
// out contiguously.
type AssembledFile struct {
	StreamID string
	// Filename is the base name the upload was sent under.
	Filename string
	Path     string
	Size     int64
	Checksum string // sha256, hex
}
