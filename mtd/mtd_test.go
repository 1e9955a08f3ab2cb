package mtd

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const procMTD = `dev:    size   erasesize  name
mtd0: 00080000 00020000 "u-boot"
mtd1: 00040000 00020000 "env"
mtd2: 00400000 00020000 "kernel"
mtd3: 07b00000 00020000 "rootfs"
`

func TestReadTable(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proc/mtd", []byte(procMTD), 0o444))

	infos, err := ReadTable(fs, "/proc/mtd")
	require.NoError(t, err)
	require.Len(t, infos, 4)

	assert.Equal(t, Info{Index: 0, Name: "u-boot", Size: 0x80000, EraseSize: 0x20000}, infos[0])
	assert.Equal(t, "rootfs", infos[3].Name)
	assert.Equal(t, int64(0x07b00000), infos[3].Size)

	idx, err := LookupName(infos, "kernel")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	_, err = LookupName(infos, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadTableMissing(t *testing.T) {
	_, err := ReadTable(afero.NewMemMapFs(), "/proc/mtd")
	assert.Error(t, err)
}

func TestSystemLookup(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proc/mtd", []byte(procMTD), 0o444))
	s := &System{Fs: fs, ProcMTD: "/proc/mtd", DevDir: "/dev"}

	idx, err := s.Lookup("env")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestParseDeviceIndex(t *testing.T) {
	testCases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "/dev/mtd3", want: 3},
		{in: "mtd12", want: 12},
		{in: "7", want: 7},
		{in: "", wantErr: true},
		{in: "/dev/mmcblk0", wantErr: true},
		{in: "mtd-1", wantErr: true},
	}
	for _, tc := range testCases {
		got, err := ParseDeviceIndex(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrNotFound, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestGeometry(t *testing.T) {
	g := Geometry{Type: NAND, Size: 16 * 4096, EraseSize: 4096, MinIOSize: 512}
	require.NoError(t, g.Validate())
	assert.Equal(t, int64(16), g.Blocks())
	assert.Equal(t, int64(3*4096), g.BlockOffset(3))

	assert.Error(t, Geometry{Size: 4096, EraseSize: 4096, MinIOSize: 1000}.Validate())
	assert.Error(t, Geometry{Size: 5000, EraseSize: 4096, MinIOSize: 512}.Validate())
	assert.Error(t, Geometry{}.Validate())
}

func TestTypes(t *testing.T) {
	assert.True(t, NAND.IsNAND())
	assert.True(t, MLCNAND.IsNAND())
	assert.False(t, NOR.IsNAND())

	typ, err := ParseType("NAND")
	require.NoError(t, err)
	assert.Equal(t, NAND, typ)
	_, err = ParseType("emmc")
	assert.Error(t, err)
}

func TestIsIOError(t *testing.T) {
	assert.True(t, IsIOError(syscall.EIO))
	assert.True(t, IsIOError(fmt.Errorf("write block 3: %w", syscall.EIO)))
	assert.False(t, IsIOError(syscall.EROFS))
	assert.False(t, IsIOError(nil))
}
