// Package ipc implements the local control socket used to request installs
// and poll their progress.
//
// Every request and reply is one fixed-size Message in host byte order, so
// clients built against the C layout of the same protocol interoperate.
package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const Magic uint32 = 0x14052001

// PayloadSize is the size of the largest payload variant rounded up.
const PayloadSize = 2064

// MessageSize is the on-wire size of every message.
const MessageSize = 8 + PayloadSize

var (
	ErrBadMagic = errors.New("ipc: bad magic")
	ErrNack     = errors.New("ipc: request refused")
	ErrTimeout  = errors.New("ipc: timed out waiting for reply")
)

var order = binary.NativeEndian

type MsgType uint32

const (
	ReqInstall MsgType = iota
	Ack
	Nack
	GetStatus
	PostUpdate
)

func (t MsgType) String() string {
	switch t {
	case ReqInstall:
		return "REQ_INSTALL"
	case Ack:
		return "ACK"
	case Nack:
		return "NACK"
	case GetStatus:
		return "GET_STATUS"
	case PostUpdate:
		return "POST_UPDATE"
	}
	return fmt.Sprintf("MSG(%d)", uint32(t))
}

// RecoveryStatus is the installer state machine.
type RecoveryStatus int32

const (
	Idle RecoveryStatus = iota
	Start
	Run
	Success
	Failure
	Download
	Done
)

func (s RecoveryStatus) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Start:
		return "START"
	case Run:
		return "RUN"
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	case Download:
		return "DOWNLOAD"
	case Done:
		return "DONE"
	}
	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// Source tells the installer where an update came from.
type Source uint32

const (
	SourceUnknown Source = iota
	SourceWebserver
	SourceSuricatta
	SourceDownloader
	SourceLocal
)

type Message struct {
	Magic uint32
	Type  MsgType
	Data  [PayloadSize]byte
}

func NewMessage(t MsgType) *Message {
	return &Message{Magic: Magic, Type: t}
}

type Status struct {
	Current    RecoveryStatus
	LastResult RecoveryStatus
	Error      int32
	Desc       [2048]byte
}

func (s *Status) Description() string    { return cstring(s.Desc[:]) }
func (s *Status) SetDescription(d string) { putCString(s.Desc[:], d) }

type InstallRequest struct {
	APIVersion uint32
	Source     Source
	DryRun     uint32
	_          uint32
	Size       uint64
	Offset     uint64
	ImageType  [32]byte
	Device     [64]byte
	MTDName    [64]byte
	Filename   [256]byte
	Info       [512]byte
}

// APIVersion is the install request layout this package speaks.
const APIVersion = 1

// Request is the decoded form of InstallRequest.
type Request struct {
	Source   Source
	DryRun   bool
	Size     int64
	Offset   int64
	Type     string
	Device   string
	MTDName  string
	Filename string
	Info     string
}

func (r Request) encode() InstallRequest {
	var ir InstallRequest
	ir.APIVersion = APIVersion
	ir.Source = r.Source
	if r.DryRun {
		ir.DryRun = 1
	}
	ir.Size = uint64(r.Size)
	ir.Offset = uint64(r.Offset)
	putCString(ir.ImageType[:], r.Type)
	putCString(ir.Device[:], r.Device)
	putCString(ir.MTDName[:], r.MTDName)
	putCString(ir.Filename[:], r.Filename)
	putCString(ir.Info[:], r.Info)
	return ir
}

func (ir *InstallRequest) decode() Request {
	return Request{
		Source:   ir.Source,
		DryRun:   ir.DryRun != 0,
		Size:     int64(ir.Size),
		Offset:   int64(ir.Offset),
		Type:     cstring(ir.ImageType[:]),
		Device:   cstring(ir.Device[:]),
		MTDName:  cstring(ir.MTDName[:]),
		Filename: cstring(ir.Filename[:]),
		Info:     cstring(ir.Info[:]),
	}
}

type ProcMsg struct {
	Len uint32
	Buf [2048]byte
}

func (p *ProcMsg) String() string {
	n := int(p.Len)
	if n > len(p.Buf)-1 {
		n = len(p.Buf) - 1
	}
	return cstring(p.Buf[:n])
}

func (m *Message) putPayload(v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, order, v); err != nil {
		return err
	}
	if buf.Len() > PayloadSize {
		return fmt.Errorf("ipc: payload of %d bytes exceeds %d", buf.Len(), PayloadSize)
	}
	m.Data = [PayloadSize]byte{}
	copy(m.Data[:], buf.Bytes())
	return nil
}

func (m *Message) payload(v any) error {
	return binary.Read(bytes.NewReader(m.Data[:]), order, v)
}

func (m *Message) Status() (Status, error) {
	var s Status
	err := m.payload(&s)
	return s, err
}

func (m *Message) SetStatus(s Status) error { return m.putPayload(&s) }

func (m *Message) Request() (Request, error) {
	var ir InstallRequest
	if err := m.payload(&ir); err != nil {
		return Request{}, err
	}
	return ir.decode(), nil
}

func (m *Message) SetRequest(r Request) error {
	ir := r.encode()
	return m.putPayload(&ir)
}

func (m *Message) ProcMsg() (string, error) {
	var p ProcMsg
	if err := m.payload(&p); err != nil {
		return "", err
	}
	return p.String(), nil
}

// SetProcMsg stores s, truncated so it stays NUL terminated.
func (m *Message) SetProcMsg(s string) error {
	var p ProcMsg
	putCString(p.Buf[:], s)
	p.Len = uint32(len(cstring(p.Buf[:])))
	return m.putPayload(&p)
}

func (m *Message) MarshalBinary() ([]byte, error) {
	b := make([]byte, MessageSize)
	order.PutUint32(b[0:], m.Magic)
	order.PutUint32(b[4:], uint32(m.Type))
	copy(b[8:], m.Data[:])
	return b, nil
}

func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) != MessageSize {
		return fmt.Errorf("ipc: message is %d bytes, want %d", len(b), MessageSize)
	}
	m.Magic = order.Uint32(b[0:])
	m.Type = MsgType(order.Uint32(b[4:]))
	copy(m.Data[:], b[8:])
	if m.Magic != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, m.Magic)
	}
	return nil
}

// ReadMessage reads exactly one message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	b := make([]byte, MessageSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	var m Message
	if err := m.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &m, nil
}

func WriteMessage(w io.Writer, m *Message) error {
	b, _ := m.MarshalBinary()
	_, err := w.Write(b)
	return err
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func putCString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	if len(dst) == 0 {
		return
	}
	copy(dst[:len(dst)-1], s)
}
