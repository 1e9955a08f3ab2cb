// Package handler routes image entries to the code that installs them.
package handler

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrInstallFailed = errors.New("installation failed")
	ErrNoDevice      = errors.New("no such mtd device")
	ErrUnknownType   = errors.New("no handler for image type")
	ErrDuplicate     = errors.New("handler already registered")
)

// Image describes one entry of an update to be installed.
type Image struct {
	Filename string
	Type     string
	// Device is an explicit device such as "mtd3" or "/dev/mtd3".
	Device string
	// MTDName is a partition name from the mtd table. It wins over Device.
	MTDName string
	// Offset applies to NOR only.
	Offset int64
	Size   int64
	Source io.Reader
}

// Target names the destination the way the user gave it.
func (img *Image) Target() string {
	if img.MTDName != "" {
		return img.MTDName
	}
	return img.Device
}

// InstallError is what callers see when an install fails. Its message only
// names the image and the target; the cause is kept for logging and errors.Is.
type InstallError struct {
	Image  string
	Target string
	Err    error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("installing %s into %s failed", e.Image, e.Target)
}

func (e *InstallError) Unwrap() []error { return []error{ErrInstallFailed, e.Err} }
