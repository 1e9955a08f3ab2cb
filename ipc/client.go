package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// DefaultSocketName is created under $TMPDIR (or /tmp) when no path is configured.
const DefaultSocketName = "sockinstctrl"

// SocketPath returns configured if set, else the default under $TMPDIR.
func SocketPath(configured string) string {
	if configured != "" {
		return configured
	}
	dir := os.Getenv("TMPDIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, DefaultSocketName)
}

// Client talks to an installer over its control socket. Every call opens a
// fresh connection, as the server closes after each reply.
type Client struct {
	Path         string
	PollInterval time.Duration
}

func NewClient(path string) *Client {
	return &Client{Path: SocketPath(path), PollInterval: time.Second}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.Dial("unix", c.Path)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.Path, err)
	}
	return conn, nil
}

// exchange writes m and reads the reply into a new message. A zero timeout
// waits forever.
func exchange(conn net.Conn, m *Message, timeout time.Duration) (*Message, error) {
	m.Magic = Magic
	if err := WriteMessage(conn, m); err != nil {
		return nil, fmt.Errorf("send %s: %w", m.Type, err)
	}
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	reply, err := ReadMessage(conn)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("read reply to %s: %w", m.Type, err)
	}
	return reply, nil
}

// SendCommand sends m and returns the reply.
func (c *Client) SendCommand(m *Message, timeout time.Duration) (*Message, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return exchange(conn, m, timeout)
}

func (c *Client) GetStatus() (Status, error) {
	return c.GetStatusTimeout(0)
}

// GetStatusTimeout returns ErrTimeout when no reply arrives within d.
func (c *Client) GetStatusTimeout(d time.Duration) (Status, error) {
	reply, err := c.SendCommand(NewMessage(GetStatus), d)
	if err != nil {
		return Status{}, err
	}
	return reply.Status()
}

// Stream carries image bytes for an accepted install request.
type Stream struct {
	conn net.Conn
}

func (s *Stream) Write(p []byte) (int, error) { return s.conn.Write(p) }

// Close ends the upload. The install result is obtained by polling status.
func (s *Stream) Close() error { return s.conn.Close() }

// StartInstall asks the server to install an image. On success the caller
// must write exactly req.Size bytes to the returned stream and close it.
func (c *Client) StartInstall(req Request) (*Stream, error) {
	m := NewMessage(ReqInstall)
	if err := m.SetRequest(req); err != nil {
		return nil, err
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	reply, err := exchange(conn, m, 0)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Type != Ack {
		conn.Close()
		st, _ := reply.Status()
		if d := st.Description(); d != "" {
			return nil, fmt.Errorf("%w: %s", ErrNack, d)
		}
		return nil, ErrNack
	}
	return &Stream{conn: conn}, nil
}

// PostUpdate asks the server to run its post-update action.
func (c *Client) PostUpdate(msg string) error {
	m := NewMessage(PostUpdate)
	if err := m.SetProcMsg(msg); err != nil {
		return err
	}
	reply, err := c.SendCommand(m, 0)
	if err != nil {
		return err
	}
	if reply.Type != Ack {
		return ErrNack
	}
	return nil
}

// WaitForComplete polls the status until the installer is idle again and
// returns the last result. fn, if set, sees every status whose state changed
// or that carries a description. Polls without news are spaced by
// PollInterval.
func (c *Client) WaitForComplete(ctx context.Context, fn func(Status)) (RecoveryStatus, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	prev := Idle
	for {
		st, err := c.GetStatus()
		if err != nil {
			return Failure, err
		}
		if st.Current != prev || st.Description() != "" {
			if fn != nil {
				fn(st)
			}
		} else {
			select {
			case <-ctx.Done():
				return Failure, ctx.Err()
			case <-time.After(interval):
			}
		}
		prev = st.Current
		if st.Current == Idle {
			return st.LastResult, nil
		}
	}
}
