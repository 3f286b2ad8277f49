package transcoder

import "errors"

var (
	// ErrTranscode wraps failures reported by a worker in Response.Error.
	ErrTranscode = errors.New("transcoder: transcode failed")
	// ErrDuplicateID is returned when a request reuses an id that is still in flight.
	ErrDuplicateID = errors.New("transcoder: duplicate request id")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("transcoder: closed")
)

// Request asks a worker to downscale and re-encode an image. Field names are
// part of the wire contract with other worker implementations.
//
// ArrayBuffer is handed over on send: the worker owns it from then on and the
// caller must not read or modify it again.
type Request struct {
	ID          string `json:"id"`
	ArrayBuffer []byte `json:"arrayBuffer"`
	Filename    string `json:"filename"`
	MaxSide     int    `json:"maxSide"`
}

// Response answers exactly one Request with the same ID. Either Blob or Error
// is set.
type Response struct {
	ID             string `json:"id"`
	Blob           []byte `json:"blob,omitempty"`
	OriginalWidth  int    `json:"originalWidth,omitempty"`
	OriginalHeight int    `json:"originalHeight,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Result is a successful transcode as seen by the caller.
type Result struct {
	ID             string
	Blob           []byte
	ContentType    string
	Width          int
	Height         int
	OriginalWidth  int
	OriginalHeight int
}
