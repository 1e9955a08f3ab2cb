package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashinst/mtd"
	"flashinst/nandsim"
)

const sample = `
socket: /run/flashinst.sock
postupdate_cmd: reboot
chunk_size: 32k
log:
  debug: true
sim:
  - name: spl
    type: nor
    size: 256k
    erase_size: 64k
  - name: rootfs
    size: 1m
    erase_size: 128k
    min_io: 2k
    bad_blocks: [1, 6]
`

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/flashinst.yaml", []byte(sample), 0o644))

	c, err := Load(fs, "/etc/flashinst.yaml")
	require.NoError(t, err)

	assert.Equal(t, "/run/flashinst.sock", c.Socket)
	assert.Equal(t, Size(32*1024), c.ChunkSize)
	assert.True(t, c.Log.Debug)
	assert.Equal(t, mtd.DefaultProcMTD, c.ProcMTD)
	require.Len(t, c.Sim, 2)
	assert.Equal(t, "nand", c.Sim[1].Type)
	assert.Equal(t, Size(2048), c.Sim[1].MinIO)

	p, err := c.Provider(fs)
	require.NoError(t, err)
	bank, ok := p.(*nandsim.Bank)
	require.True(t, ok)

	idx, err := bank.Lookup("rootfs")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 6}, bank.Device(idx).BadBlocks())
	assert.Equal(t, mtd.NOR, bank.Device(0).Geometry().Type)
}

func TestLoadErrors(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := Load(fs, "/missing.yaml")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/bad.yaml", []byte("sim:\n  - size: lots\n"), 0o644))
	_, err = Load(fs, "/bad.yaml")
	assert.ErrorContains(t, err, "line 2")

	c, err := Load(fs, "")
	require.NoError(t, err)
	p, err := c.Provider(fs)
	require.NoError(t, err)
	assert.IsType(t, &mtd.System{}, p)
}

func TestSimSpecValidates(t *testing.T) {
	_, err := Sim{Name: "x", Type: "nand", Size: 1000, EraseSize: 128, MinIO: 4}.Spec()
	assert.Error(t, err)

	_, err = Sim{Name: "x", Type: "floppy", Size: 1024, EraseSize: 128}.Spec()
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"4096", 4096},
		{"0x20000", 128 * 1024},
		{"128k", 128 * 1024},
		{"64M", 64 << 20},
		{"1g", 1 << 30},
		{"512b", 512},
		{"1.5k", 1536},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "k", "-1", "0xzz"} {
		_, err := ParseSize(bad)
		assert.Error(t, err, bad)
	}
}
