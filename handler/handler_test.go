package handler

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashinst/flash"
	"flashinst/mtd"
	"flashinst/nandsim"
)

var geo = mtd.Geometry{Type: mtd.NAND, Size: 4 * 16, EraseSize: 16, MinIOSize: 4}

func newBank(t *testing.T) *nandsim.Bank {
	t.Helper()
	b, err := nandsim.NewBank(
		nandsim.Spec{Name: "u-boot", Options: nandsim.Options{Geometry: mtd.Geometry{Type: mtd.NOR, Size: 64, EraseSize: 16, MinIOSize: 1}}},
		nandsim.Spec{Name: "rootfs", Options: nandsim.Options{Geometry: geo, BadBlocks: []int64{0}}},
		nandsim.Spec{Name: "data", Options: nandsim.Options{Geometry: geo}},
	)
	require.NoError(t, err)
	return b
}

func TestFlashResolvesTarget(t *testing.T) {
	tests := []struct {
		name    string
		device  string
		mtdName string
		want    int
	}{
		{name: "by partition name", mtdName: "rootfs", want: 1},
		{name: "by device", device: "/dev/mtd2", want: 2},
		{name: "name wins over device", device: "mtd2", mtdName: "rootfs", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBank(t)
			f := NewFlash(b, nil)
			payload := []byte{1, 2, 3, 4, 5}
			err := f.Install(&Image{
				Filename: "img.bin",
				Type:     FlashType,
				Device:   tt.device,
				MTDName:  tt.mtdName,
				Size:     int64(len(payload)),
				Source:   bytes.NewReader(payload),
			})
			require.NoError(t, err)

			written := b.Device(tt.want).Programs()
			assert.Equal(t, 1, written)
		})
	}
}

func TestFlashNoDevice(t *testing.T) {
	f := NewFlash(newBank(t), nil)

	for _, img := range []*Image{
		{Filename: "a.bin", MTDName: "nope"},
		{Filename: "a.bin", Device: "sda1"},
		{Filename: "a.bin", Device: "mtd9"},
		{Filename: "a.bin"},
	} {
		err := f.Install(img)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInstallFailed)
		assert.ErrorIs(t, err, ErrNoDevice)
	}
}

func TestInstallErrorHidesBlockDetail(t *testing.T) {
	b := newBank(t)
	b.Device(2).FailWriteWith(0, errors.New("controller timeout"))

	f := NewFlash(b, nil)
	err := f.Install(&Image{
		Filename: "rootfs.ubi",
		MTDName:  "data",
		Size:     4,
		Source:   bytes.NewReader([]byte{1, 2, 3, 4}),
	})
	require.Error(t, err)
	assert.Equal(t, "installing rootfs.ubi into data failed", err.Error())
	assert.ErrorIs(t, err, flash.ErrWrite)

	var ie *InstallError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Err.Error(), "block 0")
}

func TestFlashOversized(t *testing.T) {
	f := NewFlash(newBank(t), nil)
	err := f.Install(&Image{Filename: "big", MTDName: "data", Size: 65, Source: bytes.NewReader(make([]byte, 65))})
	assert.ErrorIs(t, err, flash.ErrImageTooLarge)
	assert.ErrorIs(t, err, ErrInstallFailed)
}

func TestFlashNOROffset(t *testing.T) {
	b := newBank(t)
	f := NewFlash(b, nil)

	var events []flash.BlockEvent
	f.Observe = func(ev flash.BlockEvent) { events = append(events, ev) }

	res, err := f.Write(&Image{Filename: "env", MTDName: "u-boot", Offset: 32, Size: 3, Source: bytes.NewReader([]byte("env"))})
	require.NoError(t, err)
	assert.Equal(t, flash.KindNOR, res.Kind)
	assert.Equal(t, "env", string(b.Device(0).ReadBlock(2)[:3]))
	assert.Equal(t, flash.BlockEvent{Event: flash.Erased, Block: 2}, events[0])
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	f, err := RegisterFlash(reg, newBank(t), nil)
	require.NoError(t, err)

	_, err = RegisterFlash(reg, newBank(t), nil)
	assert.ErrorIs(t, err, ErrDuplicate)

	h, err := reg.Lookup(FlashType, ImageHandler)
	require.NoError(t, err)
	assert.Same(t, f, h)

	_, err = reg.Lookup(FlashType, ScriptHandler)
	assert.ErrorIs(t, err, ErrUnknownType)

	var got *Image
	require.NoError(t, reg.Register("raw", HandlerFunc(func(img *Image) error {
		got = img
		return nil
	}), ImageHandler))
	assert.Equal(t, []string{"flash", "raw"}, reg.Tags())

	img := &Image{Type: "raw"}
	require.NoError(t, reg.Install(img))
	assert.Same(t, img, got)

	assert.ErrorIs(t, reg.Install(&Image{Type: "ubivol"}), ErrUnknownType)
	assert.Error(t, reg.Register("", f, ImageHandler))
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "image|file", (ImageHandler | FileHandler).String())
	assert.Equal(t, "none", Mask(0).String())
}
