// Package supervisor runs at most one encoder process per stream. It launches
// the process in its own process group, follows its progress output, and
// stops it gracefully with a bounded wait before a forced kill.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"live-orchestrator/internal/platform/logger"
	"live-orchestrator/internal/platform/metrics"
	"live-orchestrator/internal/stream"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultStopTimeout is how long Stop waits after the graceful signal.
	DefaultStopTimeout = 10 * time.Second

	defaultKillWait = 5 * time.Second
	maxLineBytes    = 256 * 1024
)

// Config configures a Supervisor.
type Config struct {
	EncoderPath string
	StopTimeout time.Duration
	// KillWait bounds the wait for exit after the forced kill.
	KillWait time.Duration
	// Env is appended to the inherited environment of every encoder.
	Env []string
}

// Snapshot is the supervisor's view of one stream.
type Snapshot struct {
	State       stream.Status `json:"state"`
	PID         int           `json:"pid,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	Uptime      time.Duration `json:"uptime,omitempty"`
	ExitCode    int           `json:"exit_code,omitempty"`
	ExitError   string        `json:"exit_error,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Last        *Sample       `json:"last_sample,omitempty"`
}

// Exit records an encoder that ended without being asked to.
type Exit struct {
	Code int
	Err  error
	At   time.Time
	Tail []string
}

// Usage is the resource consumption of a running encoder.
type Usage struct {
	CPUPercent float64
	RSSBytes   uint64
}

type process struct {
	id          stream.ID
	cmd         *exec.Cmd
	args        []string
	fingerprint string
	startedAt   time.Time

	// ready is closed once the launch attempt finished either way.
	ready     chan struct{}
	launching bool
	stopping  bool

	last      Sample
	hasSample bool
	tail      []string

	// done is closed by the monitor after the process was reaped.
	done chan struct{}
}

// Supervisor owns the registry of running encoders.
type Supervisor struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	procs map[stream.ID]*process
	exits map[stream.ID]Exit
}

// New returns a Supervisor. log and m may be nil.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	if cfg.EncoderPath == "" {
		cfg.EncoderPath = "ffmpeg"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = defaultKillWait
	}
	return &Supervisor{
		cfg:     cfg,
		log:     logger.WithComponent(log, "supervisor"),
		metrics: m,
		now:     time.Now,
		procs:   make(map[stream.ID]*process),
		exits:   make(map[stream.ID]Exit),
	}
}

// Start launches the encoder for id. It fails with stream.ErrAlreadyRunning if
// an encoder is registered for id (running, launching or stopping) and with
// stream.ErrLaunchFailure if the process could not be started, in which case
// nothing stays registered.
func (s *Supervisor) Start(ctx context.Context, id stream.ID, l Launch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.procs[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: stream %d", stream.ErrAlreadyRunning, id)
	}
	p := &process{
		id:          id,
		launching:   true,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		fingerprint: l.Graph.Fingerprint(),
	}
	s.procs[id] = p
	delete(s.exits, id)
	s.mu.Unlock()
	defer close(p.ready)

	p.args = Args(l)
	cmd := exec.Command(s.cfg.EncoderPath, p.args...)
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	setProcessGroup(cmd)

	stderr, err := cmd.StderrPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		s.mu.Lock()
		s.removeLocked(p)
		s.mu.Unlock()
		s.metrics.IncEncoderStarts("failure")
		s.log.Error("encoder launch failed",
			slog.Int64("stream_id", int64(id)),
			slog.String("encoder", s.cfg.EncoderPath),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", stream.ErrLaunchFailure, err)
	}

	s.mu.Lock()
	p.cmd = cmd
	p.startedAt = s.now()
	p.launching = false
	active := len(s.procs)
	s.mu.Unlock()

	s.metrics.IncEncoderStarts("success")
	s.metrics.SetActiveEncoders(active)
	s.log.Info("encoder started",
		slog.Int64("stream_id", int64(id)),
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("branches", len(l.Graph.Branches)),
		slog.String("fingerprint", p.fingerprint))
	s.log.Debug("encoder command", slog.Int64("stream_id", int64(id)), slog.String("args", strings.Join(p.args, " ")))

	go s.monitor(p, stderr)
	return nil
}

// monitor follows the encoder's stderr until EOF, then reaps the process and
// removes its registry entry.
func (s *Supervisor) monitor(p *process, stderr io.Reader) {
	defer close(p.done)

	log := s.log.With(slog.Int64("stream_id", int64(p.id)))
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	sc.Split(scanLines)

	var parser progressParser
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		sample, kind := parser.feed(line, s.now())
		switch kind {
		case lineSample:
			s.mu.Lock()
			p.last, p.hasSample = sample, true
			s.mu.Unlock()
		case lineDiagnostic:
			s.mu.Lock()
			p.tail = appendTail(p.tail, line)
			s.mu.Unlock()
			log.Debug("encoder output", slog.String("line", line))
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("encoder output read failed", slog.String("error", err.Error()))
	}
	// Wait must not run while the pipe still has unread output.
	_, _ = io.Copy(io.Discard, stderr)

	waitErr := p.cmd.Wait()
	code := exitCode(p.cmd, waitErr)

	s.mu.Lock()
	stopping := p.stopping
	if !stopping {
		s.exits[p.id] = Exit{Code: code, Err: waitErr, At: s.now(), Tail: append([]string(nil), p.tail...)}
	}
	s.removeLocked(p)
	active := len(s.procs)
	s.mu.Unlock()

	s.metrics.SetActiveEncoders(active)
	if stopping {
		s.metrics.IncEncoderExits("requested")
		log.Info("encoder exited", slog.Int("exit_code", code))
		return
	}
	s.metrics.IncEncoderExits("unexpected")
	attrs := []any{slog.Int("exit_code", code)}
	if waitErr != nil {
		attrs = append(attrs, slog.String("error", waitErr.Error()))
	}
	log.Warn("encoder exited unexpectedly", attrs...)
}

// Stop terminates the encoder for id: graceful signal to the process group,
// a bounded wait, then a forced kill. It fails with stream.ErrNotRunning if no
// encoder is registered or a stop is already in progress. The entry is gone
// when Stop returns nil.
func (s *Supervisor) Stop(ctx context.Context, id stream.ID) error {
	var p *process
	for {
		s.mu.Lock()
		cur, ok := s.procs[id]
		if !ok || cur.stopping {
			s.mu.Unlock()
			return fmt.Errorf("%w: stream %d", stream.ErrNotRunning, id)
		}
		if cur.launching {
			ready := cur.ready
			s.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		cur.stopping = true
		p = cur
		s.mu.Unlock()
		break
	}

	log := s.log.With(slog.Int64("stream_id", int64(id)))
	if err := terminate(p.cmd); err != nil {
		log.Warn("graceful stop signal failed", slog.String("error", err.Error()))
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	forced := false
	select {
	case <-p.done:
	case <-timer.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}

	if forced {
		log.Warn("encoder did not stop in time, killing",
			slog.Duration("timeout", s.cfg.StopTimeout),
			slog.String("error", stream.ErrTerminationTimeout.Error()))
		s.metrics.IncEncoderKills()
		if err := kill(p.cmd); err != nil {
			log.Error("forced kill failed", slog.String("error", err.Error()))
		}
		select {
		case <-p.done:
		case <-time.After(s.cfg.KillWait):
			log.Error("encoder still alive after kill", slog.Int("pid", p.cmd.Process.Pid))
		}
	}

	s.mu.Lock()
	s.removeLocked(p)
	active := len(s.procs)
	s.mu.Unlock()
	s.metrics.SetActiveEncoders(active)
	return nil
}

// Status reports the supervisor state of id. A stream whose encoder exited
// without a stop request reports stream.StatusError with the exit code until
// the next Start.
func (s *Supervisor) Status(id stream.ID) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.procs[id]; ok {
		if p.launching {
			return Snapshot{State: stream.StatusStarting, Fingerprint: p.fingerprint}
		}
		snap := Snapshot{
			State:       stream.StatusRunning,
			PID:         p.cmd.Process.Pid,
			StartedAt:   p.startedAt,
			Uptime:      s.now().Sub(p.startedAt),
			Fingerprint: p.fingerprint,
		}
		if p.hasSample {
			last := p.last
			snap.Last = &last
		}
		return snap
	}
	if e, ok := s.exits[id]; ok {
		snap := Snapshot{State: stream.StatusError, ExitCode: e.Code}
		if e.Err != nil {
			snap.ExitError = e.Err.Error()
		}
		return snap
	}
	return Snapshot{State: stream.StatusStopped}
}

// Running reports whether a launched encoder is registered for id.
func (s *Supervisor) Running(id stream.ID) bool {
	return s.Status(id).State == stream.StatusRunning
}

// List returns the IDs of streams with a launched encoder, ascending.
func (s *Supervisor) List() []stream.ID {
	s.mu.Lock()
	ids := make([]stream.ID, 0, len(s.procs))
	for id, p := range s.procs {
		if !p.launching {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LastExit returns the most recent unexpected exit of id since its last Start.
func (s *Supervisor) LastExit(id stream.ID) (Exit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exits[id]
	return e, ok
}

// LatestSample returns the last progress block reported by the encoder of id.
func (s *Supervisor) LatestSample(id stream.ID) (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok || !p.hasSample {
		return Sample{}, false
	}
	return p.last, true
}

// Usage samples CPU and memory of the encoder of id.
func (s *Supervisor) Usage(ctx context.Context, id stream.ID) (Usage, error) {
	s.mu.Lock()
	p, ok := s.procs[id]
	var pid int
	if ok && !p.launching {
		pid = p.cmd.Process.Pid
	}
	s.mu.Unlock()
	if pid == 0 {
		return Usage{}, fmt.Errorf("%w: stream %d", stream.ErrNotRunning, id)
	}

	proc, err := gopsprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("inspecting encoder %d: %w", pid, err)
	}
	var u Usage
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	return u, nil
}

// StopAll stops every registered encoder concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range s.List() {
		g.Go(func() error {
			if err := s.Stop(ctx, id); err != nil && !errors.Is(err, stream.ErrNotRunning) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// removeLocked deletes p's entry if it is still the registered one.
// Caller must hold s.mu.
func (s *Supervisor) removeLocked(p *process) {
	if cur, ok := s.procs[p.id]; ok && cur == p {
		delete(s.procs, p.id)
	}
}

const tailLines = 20

func appendTail(tail []string, line string) []string {
	tail = append(tail, line)
	if len(tail) > tailLines {
		tail = tail[len(tail)-tailLines:]
	}
	return tail
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
