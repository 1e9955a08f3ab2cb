package ipc

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashinst/handler"
	"flashinst/mtd"
	"flashinst/nandsim"
)

func TestMessageEncoding(t *testing.T) {
	m := NewMessage(ReqInstall)
	require.NoError(t, m.SetRequest(Request{
		Source:   SourceLocal,
		Size:     4096,
		Type:     "flash",
		MTDName:  "rootfs",
		Filename: "rootfs.ubifs",
	}))

	b, err := m.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, MessageSize)

	got, err := ReadMessage(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, ReqInstall, got.Type)

	req, err := got.Request()
	require.NoError(t, err)
	assert.Equal(t, "rootfs", req.MTDName)
	assert.Equal(t, int64(4096), req.Size)
	assert.Equal(t, SourceLocal, req.Source)
	assert.False(t, req.DryRun)

	var st Status
	st.SetDescription(strings.Repeat("x", 5000))
	assert.Len(t, st.Description(), 2047)

	require.NoError(t, m.SetProcMsg("reboot now"))
	msg, err := m.ProcMsg()
	require.NoError(t, err)
	assert.Equal(t, "reboot now", msg)

	b[0] ^= 0xFF
	_, err = ReadMessage(bytes.NewReader(b))
	assert.ErrorIs(t, err, ErrBadMagic)

	_, err = ReadMessage(bytes.NewReader(b[:100]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPayloadOverflow(t *testing.T) {
	m := NewMessage(GetStatus)
	err := m.putPayload(make([]byte, PayloadSize+1))
	assert.ErrorContains(t, err, "exceeds")
}

func TestSocketPath(t *testing.T) {
	assert.Equal(t, "/run/inst.sock", SocketPath("/run/inst.sock"))

	t.Setenv("TMPDIR", "/var/tmp")
	assert.Equal(t, "/var/tmp/sockinstctrl", SocketPath(""))

	t.Setenv("TMPDIR", "")
	assert.Equal(t, "/tmp/sockinstctrl", SocketPath(""))
}

func startServer(t *testing.T, reg *handler.Registry, hook string) (*Server, *Client) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s")
	srv := NewServer(path, reg, nil)
	srv.PostUpdateCmd = hook
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	c := NewClient(path)
	c.PollInterval = 5 * time.Millisecond
	return srv, c
}

func flashRegistry(t *testing.T) (*handler.Registry, *nandsim.Bank) {
	t.Helper()
	bank, err := nandsim.NewBank(nandsim.Spec{
		Name:    "rootfs",
		Options: nandsim.Options{Geometry: mtd.Geometry{Type: mtd.NAND, Size: 8 * 32, EraseSize: 32, MinIOSize: 8}, BadBlocks: []int64{1}},
	})
	require.NoError(t, err)
	reg := handler.NewRegistry()
	_, err = handler.RegisterFlash(reg, bank, nil)
	require.NoError(t, err)
	return reg, bank
}

func upload(t *testing.T, c *Client, req Request, data []byte) {
	t.Helper()
	s, err := c.StartInstall(req)
	require.NoError(t, err)
	_, err = s.Write(data)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestInstallOverSocket(t *testing.T) {
	reg, bank := flashRegistry(t)
	_, c := startServer(t, reg, "")

	st, err := c.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, Idle, st.Current)

	data := bytes.Repeat([]byte{0x5A}, 40)
	upload(t, c, Request{Type: "flash", MTDName: "rootfs", Filename: "rootfs.img", Size: int64(len(data))}, data)

	var seen []RecoveryStatus
	var descs []string
	res, err := c.WaitForComplete(context.Background(), func(st Status) {
		seen = append(seen, st.Current)
		if d := st.Description(); d != "" {
			descs = append(descs, d)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, Success, res)
	assert.Equal(t, []RecoveryStatus{Start, Run, Success, Idle}, seen)
	assert.Contains(t, descs, "Installing rootfs.img into rootfs")

	dev := bank.Device(0)
	assert.Equal(t, data[:32], dev.ReadBlock(0))
	assert.Equal(t, data[32:], dev.ReadBlock(2)[:8], "block 1 is bad")
}

func TestInstallFailureReported(t *testing.T) {
	reg, _ := flashRegistry(t)
	_, c := startServer(t, reg, "")

	// Short upload: the server expects more bytes than it gets.
	upload(t, c, Request{Type: "flash", MTDName: "rootfs", Filename: "short.img", Size: 64}, []byte{1, 2, 3})

	var last Status
	res, err := c.WaitForComplete(context.Background(), func(st Status) {
		if st.Current == Failure {
			last = st
		}
	})
	require.NoError(t, err)
	assert.Equal(t, Failure, res)
	assert.Equal(t, "installing short.img into rootfs failed", last.Description())
	assert.Equal(t, int32(1), last.Error)
}

func TestInstallRefused(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	reg := handler.NewRegistry()
	require.NoError(t, reg.Register("slow", handler.HandlerFunc(func(img *handler.Image) error {
		close(started)
		<-release
		_, err := io.Copy(io.Discard, img.Source)
		return err
	}), handler.ImageHandler))

	_, c := startServer(t, reg, "")

	_, err := c.StartInstall(Request{Type: "ubivol"})
	assert.ErrorIs(t, err, ErrNack)

	s, err := c.StartInstall(Request{Type: "slow", Filename: "a", Size: 1})
	require.NoError(t, err)
	<-started

	_, err = c.StartInstall(Request{Type: "slow", Filename: "b", Size: 1})
	require.ErrorIs(t, err, ErrNack)
	assert.Contains(t, err.Error(), "in progress")

	close(release)
	_, err = s.Write([]byte{0})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	res, err := c.WaitForComplete(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Success, res)
}

func TestDryRun(t *testing.T) {
	reg, bank := flashRegistry(t)
	_, c := startServer(t, reg, "")

	upload(t, c, Request{Type: "flash", MTDName: "rootfs", Filename: "x", Size: 4, DryRun: true}, []byte{1, 2, 3, 4})
	res, err := c.WaitForComplete(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Success, res)
	assert.Zero(t, bank.Device(0).Programs())
}

func TestNegativeSizeRefused(t *testing.T) {
	reg, bank := flashRegistry(t)
	_, c := startServer(t, reg, "")

	dev := bank.Device(0)
	data := bytes.Repeat([]byte{0x42}, 32)
	_, err := dev.WriteAt(data, 0)
	require.NoError(t, err)

	for _, dry := range []bool{false, true} {
		_, err := c.StartInstall(Request{MTDName: "rootfs", Filename: "neg", Size: -1, DryRun: dry})
		require.ErrorIs(t, err, ErrNack, "dry run %v", dry)
		assert.Contains(t, err.Error(), "invalid image size")
	}

	// A C peer sends the size as uint64; 2^63 does not fit int64.
	m := NewMessage(ReqInstall)
	ir := Request{MTDName: "rootfs", Filename: "huge"}.encode()
	ir.Size = 1 << 63
	require.NoError(t, m.putPayload(&ir))
	reply, err := c.SendCommand(m, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Nack, reply.Type)

	st, err := c.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, Idle, st.Current)
	assert.Equal(t, data, dev.ReadBlock(0))
	assert.Zero(t, dev.Erases())
	assert.Zero(t, dev.Programs())
}

func TestPostUpdate(t *testing.T) {
	reg := handler.NewRegistry()

	_, c := startServer(t, reg, "")
	assert.NoError(t, c.PostUpdate("anything"))

	_, c = startServer(t, reg, `test "$FLASHINST_MSG" = reboot`)
	assert.NoError(t, c.PostUpdate("reboot"))
	assert.ErrorIs(t, c.PostUpdate("halt"), ErrNack)
}

func TestUnknownCommand(t *testing.T) {
	_, c := startServer(t, handler.NewRegistry(), "")
	reply, err := c.SendCommand(NewMessage(MsgType(42)), time.Second)
	require.NoError(t, err)
	assert.Equal(t, Nack, reply.Type)
}

func TestBadMagicClosesConnection(t *testing.T) {
	srv, _ := startServer(t, handler.NewRegistry(), "")

	conn, err := net.Dial("unix", srv.Path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(make([]byte, MessageSize))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestGetStatusTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mute")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	c := NewClient(path)
	_, err = c.GetStatusTimeout(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
