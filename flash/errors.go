package flash

import "errors"

var (
	// ErrImageTooLarge is returned before any write when the image cannot fit.
	ErrImageTooLarge = errors.New("image does not fit into device")
	// ErrBadSize is returned before any device access for a negative image size.
	ErrBadSize = errors.New("invalid image size")
	// ErrNoSpace is returned when bad blocks push the image past the last block.
	ErrNoSpace = errors.New("no good erase block left on device")
	// ErrBadBlockQuery is returned when the bad-block status cannot be read.
	ErrBadBlockQuery = errors.New("bad block query failed")
	// ErrWrite is a program failure that bad-block remapping cannot handle.
	ErrWrite = errors.New("write failed")
	// ErrErase is an erase failure that is not a recoverable I/O error.
	ErrErase = errors.New("erase failed")
	// ErrMarkBad is returned when a failed block cannot be retired.
	ErrMarkBad = errors.New("mark bad block failed")
	// ErrSessionAborted is returned for chunks pushed after a fatal error.
	ErrSessionAborted = errors.New("write session aborted")
)
