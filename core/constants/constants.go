package constants

const (
	PLATE_FORMAT      = "DLLLDD"
	PLATE_PLACEHOLDER = '?'

	DEFAULT_WORKERS         = 4
	DEFAULT_HOLDING_BUFFER  = 32
	DEFAULT_RECOGNIZE_EVERY = 1
	DEFAULT_JPEG_QUALITY    = 80

	UPLOAD_CHUNK_SIZE_BYTES = 256 * 1024
	MAX_MESSAGE_SIZE_BYTES  = 4 * UPLOAD_CHUNK_SIZE_BYTES
)
