package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"neurorec/internal/catalog"
	"neurorec/internal/config"
	"neurorec/internal/logging"
	"neurorec/internal/run"
)

// maxLogWait bounds how long a follow LogTail call blocks.
const maxLogWait = 10 * time.Second

// Controller is the daemon surface the server exposes.
type Controller interface {
	StartRun(ctx context.Context) (*run.Run, error)
	StopRun() (*run.Run, error)
	CurrentRun() *run.Run
	LastRun() *run.Run
	SetRecordingEnabled(on bool) error
	SetGate(hi bool) error
	SetTrigger(hi bool) error
	SetNextFileName(name string) error
	ForceCounters(g, t int) error
	SetMetadata(kv map[string]string) error
	ListSegments(ctx context.Context, f catalog.Filter) ([]catalog.Segment, error)
	LogHub() *logging.StreamHub
	Paths() config.Paths
	TestNotification(ctx context.Context) (bool, string, error)
}

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, c Controller, logger *slog.Logger) (*Server, error) {
	if c == nil {
		return nil, errors.New("ipc server requires a controller")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	srv := &service{ctl: c, logger: logger, ctx: serverCtx}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"),
					logging.Error(err),
				)
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"),
			logging.Error(err),
		)
	}
}

type service struct {
	ctl    Controller
	logger *slog.Logger
	ctx    context.Context
}

func convertRun(r *run.Run) *RunStatus {
	if r == nil {
		return nil
	}
	st := r.Status()
	return &RunStatus{
		ID:        st.ID,
		Name:      st.Name,
		Dir:       st.Dir,
		StartedAt: st.StartedAt,
		EndedAt:   st.EndedAt,
		Running:   st.Running,
		Mode:      st.Trigger.Mode,
		Line:      st.Trigger.Line,
		Enabled:   st.Trigger.Gate.Enabled,
		GateHigh:  st.Trigger.Gate.High,
		G:         st.Trigger.Gate.G,
		T:         st.Trigger.Gate.T,
		Recording: st.Trigger.Recording,
		Files:     st.Trigger.Files,
		Streams:   st.Streams,
		Segments:  st.Segments,
		Error:     st.Error,
	}
}

func convertSegment(seg catalog.Segment) Segment {
	return Segment{
		ID:          seg.ID,
		RunID:       seg.RunID,
		Stream:      seg.Stream,
		Label:       seg.Label,
		Path:        seg.Path,
		G:           seg.Gate,
		T:           seg.Trigger,
		Scans:       seg.Scans,
		Bytes:       seg.Bytes,
		SHA1:        seg.SHA1,
		FirstSample: seg.FirstSample,
		SampleRate:  seg.SampleRate,
		ClosedAt:    seg.ClosedAt,
		Error:       seg.Error,
		Verified:    seg.Verified,
	}
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	paths := s.ctl.Paths()
	resp.PID = os.Getpid()
	resp.LockPath = paths.LockPath
	resp.CatalogPath = paths.CatalogPath
	resp.DataDir = paths.DataDir
	if cur := s.ctl.CurrentRun(); cur != nil {
		resp.Run = convertRun(cur)
		resp.Running = resp.Run.Running
	}
	resp.LastRun = convertRun(s.ctl.LastRun())
	return nil
}

func (s *service) StartRun(_ StartRunRequest, resp *StartRunResponse) error {
	r, err := s.ctl.StartRun(s.ctx)
	if err != nil {
		resp.Message = err.Error()
		return err
	}
	resp.Started = true
	resp.Message = "recording session started"
	resp.Run = convertRun(r)
	return nil
}

func (s *service) StopRun(_ StopRunRequest, resp *StopRunResponse) error {
	r, err := s.ctl.StopRun()
	resp.Run = convertRun(r)
	resp.Stopped = r != nil
	return err
}

func (s *service) SetRecordingEnabled(req SetRecordingEnabledRequest, resp *AckResponse) error {
	if err := s.ctl.SetRecordingEnabled(req.Enabled); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *service) SetGate(req SetLevelRequest, resp *AckResponse) error {
	if err := s.ctl.SetGate(req.High); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *service) SetTrigger(req SetLevelRequest, resp *AckResponse) error {
	if err := s.ctl.SetTrigger(req.High); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *service) SetNextFileName(req SetNextFileNameRequest, resp *AckResponse) error {
	if err := s.ctl.SetNextFileName(req.Name); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *service) ForceCounters(req ForceCountersRequest, resp *AckResponse) error {
	if err := s.ctl.ForceCounters(req.G, req.T); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *service) SetMetadata(req SetMetadataRequest, resp *AckResponse) error {
	if err := s.ctl.SetMetadata(req.Values); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *service) ListSegments(req ListSegmentsRequest, resp *ListSegmentsResponse) error {
	segs, err := s.ctl.ListSegments(s.ctx, catalog.Filter{RunID: req.RunID, Stream: req.Stream, Limit: req.Limit})
	if err != nil {
		return err
	}
	resp.Segments = make([]Segment, 0, len(segs))
	for _, seg := range segs {
		resp.Segments = append(resp.Segments, convertSegment(seg))
	}
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	hub := s.ctl.LogHub()
	if hub == nil {
		resp.Next = req.Since
		return nil
	}
	ctx := s.ctx
	if req.Follow {
		wait := time.Duration(req.WaitMillis) * time.Millisecond
		if wait <= 0 || wait > maxLogWait {
			wait = time.Second
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait)
		defer cancel()
	}
	events, next, err := hub.Fetch(ctx, req.Since, req.Limit, req.Follow)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			resp.Next = req.Since
			return nil
		}
		return err
	}
	resp.Events = events
	resp.Next = next
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.ctl.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	return err
}
