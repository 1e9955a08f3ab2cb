//go:build !linux

package mtd

// Open is only implemented on Linux; MTD character devices do not exist elsewhere.
func Open(path string) (Device, error) {
	return nil, ErrUnsupported
}
