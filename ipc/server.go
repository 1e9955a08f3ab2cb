package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flashinst/handler"
)

// DefaultQueueLen bounds the number of status snapshots kept for pollers.
const DefaultQueueLen = 32

// Server accepts control connections and runs installs through a handler
// registry, one at a time.
type Server struct {
	Path     string
	Registry *handler.Registry
	Log      *zap.Logger
	// PostUpdateCmd is run with /bin/sh -c on a post-update request.
	PostUpdateCmd string
	QueueLen      int

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closed  bool
	busy    bool
	current RecoveryStatus
	last    RecoveryStatus
	errCode int32
	queue   []Status
}

func NewServer(path string, reg *handler.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Path:     SocketPath(path),
		Registry: reg,
		Log:      log,
		QueueLen: DefaultQueueLen,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket, replacing a stale one left by a previous run.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.Path, err)
	}
	ln, err := net.Listen("unix", s.Path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Path, err)
	}
	s.ln = ln
	return nil
}

// Serve handles connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.Log.Info("control socket ready", zap.String("socket", s.Path))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		s.ln.Close()
		for c := range s.conns {
			c.Close()
		}
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			if !s.track(conn) {
				conn.Close()
				return nil
			}
			g.Go(func() error {
				defer s.untrack(conn)
				s.handle(ctx, conn)
				return nil
			})
		}
	})
	err := g.Wait()
	os.Remove(s.Path)
	return err
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	m, err := ReadMessage(conn)
	if err != nil {
		if errors.Is(err, ErrBadMagic) {
			s.Log.Warn("dropping connection", zap.Error(err))
		} else if !errors.Is(err, io.EOF) {
			s.Log.Debug("read request", zap.Error(err))
		}
		return
	}

	switch m.Type {
	case GetStatus:
		reply := NewMessage(GetStatus)
		if err := reply.SetStatus(s.popStatus()); err != nil {
			s.Log.Debug("encode status", zap.Error(err))
		}
		s.reply(conn, reply)
	case ReqInstall:
		s.handleInstall(conn, m)
	case PostUpdate:
		s.handlePostUpdate(ctx, conn, m)
	default:
		s.Log.Warn("unknown request", zap.Stringer("type", m.Type))
		s.reply(conn, NewMessage(Nack))
	}
}

func (s *Server) reply(conn net.Conn, m *Message) {
	if err := WriteMessage(conn, m); err != nil {
		s.Log.Debug("write reply", zap.Stringer("type", m.Type), zap.Error(err))
	}
}

func (s *Server) nack(conn net.Conn, desc string) {
	m := NewMessage(Nack)
	var st Status
	st.Current = s.State()
	st.SetDescription(desc)
	if err := m.SetStatus(st); err != nil {
		s.Log.Debug("encode nack status", zap.Error(err))
	}
	s.reply(conn, m)
}

func (s *Server) handleInstall(conn net.Conn, m *Message) {
	req, err := m.Request()
	if err != nil {
		s.nack(conn, "malformed install request")
		return
	}
	// A peer sending a size of 2^63 or more decodes as negative.
	if req.Size < 0 {
		s.Log.Warn("install refused", zap.String("image", req.Filename), zap.Int64("size", req.Size))
		s.nack(conn, fmt.Sprintf("invalid image size %d", req.Size))
		return
	}
	if req.Type == "" {
		req.Type = handler.FlashType
	}
	var h handler.Handler
	if !req.DryRun {
		h, err = s.Registry.Lookup(req.Type, handler.ImageHandler)
		if err != nil {
			s.Log.Warn("install refused", zap.String("type", req.Type), zap.Error(err))
			s.nack(conn, fmt.Sprintf("no handler for image type %q", req.Type))
			return
		}
	}
	if !s.begin() {
		s.nack(conn, "installation in progress")
		return
	}

	id := uuid.New()
	log := s.Log.With(zap.Stringer("session", id), zap.String("image", req.Filename))
	s.reply(conn, NewMessage(Ack))

	img := &handler.Image{
		Filename: req.Filename,
		Type:     req.Type,
		Device:   req.Device,
		MTDName:  req.MTDName,
		Offset:   req.Offset,
		Size:     req.Size,
		Source:   io.LimitReader(conn, req.Size),
	}
	s.notify(Run, Idle, 0, fmt.Sprintf("Installing %s into %s", img.Filename, img.Target()))
	log.Info("install started", zap.String("target", img.Target()), zap.Int64("size", img.Size), zap.Bool("dry_run", req.DryRun))

	if req.DryRun {
		_, err = io.CopyN(io.Discard, conn, req.Size)
	} else {
		err = h.Install(img)
	}
	if err != nil {
		log.Error("install failed", zap.Error(err))
		s.notify(Failure, Idle, 1, err.Error())
		s.finish(Failure, 1)
		return
	}
	log.Info("install succeeded")
	s.notify(Success, Idle, 0, fmt.Sprintf("%s installed", img.Filename))
	s.finish(Success, 0)
}

func (s *Server) handlePostUpdate(ctx context.Context, conn net.Conn, m *Message) {
	msg, err := m.ProcMsg()
	if err != nil {
		s.Log.Debug("decode post-update message", zap.Error(err))
	}
	if s.PostUpdateCmd == "" {
		s.reply(conn, NewMessage(Ack))
		return
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.PostUpdateCmd)
	cmd.Env = append(os.Environ(), "FLASHINST_MSG="+msg)
	out, err := cmd.CombinedOutput()
	if err != nil {
		s.Log.Error("post-update command failed", zap.String("cmd", s.PostUpdateCmd), zap.ByteString("output", out), zap.Error(err))
		s.reply(conn, NewMessage(Nack))
		return
	}
	s.Log.Info("post-update command done", zap.String("cmd", s.PostUpdateCmd))
	s.reply(conn, NewMessage(Ack))
}

func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	s.push(Start, s.last, 0, "")
	return true
}

// finish returns to Idle and records the outcome for later pollers.
func (s *Server) finish(result RecoveryStatus, code int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.last = result
	s.errCode = code
	s.push(Idle, result, code, "")
}

func (s *Server) notify(state, last RecoveryStatus, code int32, desc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(state, last, code, desc)
}

// push moves to state and queues a snapshot for pollers. mu must be held.
func (s *Server) push(state, last RecoveryStatus, code int32, desc string) {
	s.current = state
	st := Status{Current: state, LastResult: last, Error: code}
	st.SetDescription(desc)
	limit := s.QueueLen
	if limit <= 0 {
		limit = DefaultQueueLen
	}
	if len(s.queue) >= limit {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, st)
}

// popStatus hands out queued snapshots in order, then the live state.
func (s *Server) popStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		st := s.queue[0]
		s.queue = s.queue[1:]
		return st
	}
	return Status{Current: s.current, LastResult: s.last, Error: s.errCode}
}

func (s *Server) State() RecoveryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
