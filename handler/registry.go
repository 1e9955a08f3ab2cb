package handler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Mask tells which kind of update entries a handler accepts.
type Mask uint

const (
	ImageHandler Mask = 1 << iota
	FileHandler
	ScriptHandler
	PartitionHandler
)

func (m Mask) String() string {
	var parts []string
	for _, f := range []struct {
		bit  Mask
		name string
	}{{ImageHandler, "image"}, {FileHandler, "file"}, {ScriptHandler, "script"}, {PartitionHandler, "partition"}} {
		if m&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

type Handler interface {
	Install(img *Image) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(img *Image) error

func (f HandlerFunc) Install(img *Image) error { return f(img) }

type entry struct {
	h    Handler
	mask Mask
}

// Registry maps image type tags to handlers. It is built once at startup
// and read concurrently afterwards.
type Registry struct {
	mu sync.RWMutex
	m  map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]entry)}
}

func (r *Registry) Register(tag string, h Handler, mask Mask) error {
	if tag == "" || h == nil {
		return fmt.Errorf("register %q: empty tag or nil handler", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[tag]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, tag)
	}
	r.m[tag] = entry{h: h, mask: mask}
	return nil
}

// Lookup returns the handler for tag if it accepts at least one kind in mask.
func (r *Registry) Lookup(tag string, mask Mask) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.m[tag]
	if !ok || e.mask&mask == 0 {
		return nil, fmt.Errorf("%w: %q (%s)", ErrUnknownType, tag, mask)
	}
	return e.h, nil
}

func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.m))
	for t := range r.m {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Install dispatches img to the image handler registered for img.Type.
func (r *Registry) Install(img *Image) error {
	h, err := r.Lookup(img.Type, ImageHandler)
	if err != nil {
		return err
	}
	return h.Install(img)
}
