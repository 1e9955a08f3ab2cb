package handler

import (
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"flashinst/flash"
	"flashinst/mtd"
)

// FlashType is the image type tag served by Flash.
const FlashType = "flash"

// Flash installs images onto raw MTD partitions.
type Flash struct {
	Provider  mtd.Provider
	Log       *zap.Logger
	ChunkSize int
	Observe   func(flash.BlockEvent)
	Progress  func(done, total int64)
}

func NewFlash(p mtd.Provider, log *zap.Logger) *Flash {
	if log == nil {
		log = zap.NewNop()
	}
	return &Flash{Provider: p, Log: log}
}

// RegisterFlash adds the flash handler to reg under FlashType.
func RegisterFlash(reg *Registry, p mtd.Provider, log *zap.Logger) (*Flash, error) {
	f := NewFlash(p, log)
	if err := reg.Register(FlashType, f, ImageHandler|FileHandler); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Flash) Install(img *Image) error {
	_, err := f.Write(img)
	return err
}

// Write installs img and reports what happened to the device blocks.
func (f *Flash) Write(img *Image) (flash.Result, error) {
	log := f.Log.With(zap.String("image", img.Filename), zap.String("target", img.Target()))

	res, err := f.write(img, log)
	if err != nil {
		log.Error("install failed", zap.Error(err))
		return res, &InstallError{Image: img.Filename, Target: img.Target(), Err: err}
	}
	log.Info("install done",
		zap.Stringer("kind", res.Kind),
		zap.Int64("bytes", res.Bytes),
		zap.Int("programmed", res.Programmed),
		zap.Int("skipped", res.Skipped),
		zap.Int("bad", res.Bad),
		zap.Int("retired", res.Retired))
	return res, nil
}

func (f *Flash) write(img *Image, log *zap.Logger) (flash.Result, error) {
	idx, err := f.resolve(img)
	if err != nil {
		return flash.Result{}, err
	}
	dev, err := f.Provider.Open(idx)
	if errors.Is(err, mtd.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return flash.Result{}, fmt.Errorf("%w: mtd%d: %w", ErrNoDevice, idx, err)
	}
	if err != nil {
		return flash.Result{}, fmt.Errorf("open mtd%d: %w", idx, err)
	}
	defer dev.Close()

	geo := dev.Geometry()
	log.Debug("device opened",
		zap.Int("mtd", idx),
		zap.Stringer("type", geo.Type),
		zap.Int64("size", geo.Size),
		zap.Int64("erase_size", geo.EraseSize),
		zap.Int64("min_io", geo.MinIOSize))

	return flash.Write(dev, flash.Image{
		Name:   img.Filename,
		R:      img.Source,
		Size:   img.Size,
		Offset: img.Offset,
	}, flash.Options{
		Log:       log.With(zap.Int("mtd", idx)),
		ChunkSize: f.ChunkSize,
		Observe:   f.Observe,
		Progress:  f.Progress,
	})
}

func (f *Flash) resolve(img *Image) (int, error) {
	if img.MTDName != "" {
		idx, err := f.Provider.Lookup(img.MTDName)
		if err != nil {
			return -1, fmt.Errorf("%w: %s: %w", ErrNoDevice, img.MTDName, err)
		}
		return idx, nil
	}
	if img.Device == "" {
		return -1, fmt.Errorf("%w: neither device nor mtd name given", ErrNoDevice)
	}
	idx, err := mtd.ParseDeviceIndex(img.Device)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrNoDevice, err)
	}
	return idx, nil
}
