package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-lab/companion/internal/logging"
)

// PoolConfig describes the persistent worker command. Each worker prints
// {"type":"ready"} once loaded, then answers one JSON line per request.
type PoolConfig struct {
	Bin     string
	Args    []string
	Env     []string
	Workers int
	// Timeout bounds one request, queueing included. A worker that misses
	// it is killed and restarted.
	Timeout      time.Duration
	StartTimeout time.Duration
	RestartDelay time.Duration
}

type poolRequest struct {
	ID      string `json:"id"`
	WAVPath string `json:"wav_path"`
}

type poolResponse struct {
	Type  string `json:"type,omitempty"`
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

type result struct {
	text string
	err  error
}

type job struct {
	ctx     context.Context
	id      string
	wavPath string
	out     chan result
}

// Pool keeps Workers transcription processes warm and hands each request to
// the first idle one.
type Pool struct {
	cfg    PoolConfig
	jobs   chan *job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool starts the workers. It does not wait for them to become ready;
// requests queue until one is.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 2 * time.Minute
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{cfg: cfg, jobs: make(chan *job), ctx: ctx, cancel: cancel}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	return p
}

// Transcribe queues wavPath and waits for its transcript.
func (p *Pool) Transcribe(ctx context.Context, wavPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	j := &job{ctx: ctx, id: uuid.NewString(), wavPath: wavPath, out: make(chan result, 1)}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return "", fmt.Errorf("stt: queued request: %w", ctx.Err())
	case <-p.ctx.Done():
		return "", ErrPoolClosed
	}
	select {
	case r := <-j.out:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("stt: request %s: %w", j.id, ctx.Err())
	}
}

// Close kills every worker and waits for them to exit.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

type workerProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
}

func (w *workerProc) kill() {
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.cmd.Wait()
}

func (p *Pool) runWorker(idx int) {
	defer p.wg.Done()
	for p.ctx.Err() == nil {
		proc, err := p.startWorker(idx)
		if err != nil {
			logging.Warnw("stt: worker failed to start", "worker", idx, "err", err)
		} else {
			p.serve(idx, proc)
			proc.kill()
		}
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.cfg.RestartDelay):
		}
		logging.Infow("stt: restarting worker", "worker", idx)
	}
}

func (p *Pool) startWorker(idx int) (*workerProc, error) {
	cmd := exec.Command(p.cfg.Bin, p.cfg.Args...)
	cmd.Env = append(cmd.Environ(), "PYTHONUTF8=1", "PYTHONIOENCODING=utf-8")
	cmd.Env = append(cmd.Env, p.cfg.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = &stderrLogger{worker: idx}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	w := &workerProc{cmd: cmd, stdin: stdin, lines: make(chan string, 16)}
	go func() {
		defer close(w.lines)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			w.lines <- sc.Text()
		}
	}()

	timer := time.NewTimer(p.cfg.StartTimeout)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-w.lines:
			if !ok {
				w.kill()
				return nil, fmt.Errorf("%w: exited before ready", ErrNotReady)
			}
			var msg poolResponse
			if json.Unmarshal([]byte(strings.TrimSpace(line)), &msg) == nil && msg.Type == "ready" {
				logging.Infow("stt: worker ready", "worker", idx, "pid", cmd.Process.Pid)
				return w, nil
			}
		case <-timer.C:
			w.kill()
			return nil, fmt.Errorf("%w within %s", ErrNotReady, p.cfg.StartTimeout)
		case <-p.ctx.Done():
			w.kill()
			return nil, ErrPoolClosed
		}
	}
}

// serve handles jobs until the process dies, a job times out or the pool
// closes.
func (p *Pool) serve(idx int, w *workerProc) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case _, ok := <-w.lines:
			if !ok {
				logging.Warnw("stt: worker exited while idle", "worker", idx)
				return
			}
		case j := <-p.jobs:
			if j.ctx.Err() != nil {
				j.out <- result{err: j.ctx.Err()}
				continue
			}
			if !p.handle(idx, w, j) {
				return
			}
		}
	}
}

// handle runs one job; false means the process must be replaced.
func (p *Pool) handle(idx int, w *workerProc, j *job) bool {
	b, _ := json.Marshal(poolRequest{ID: j.id, WAVPath: j.wavPath})
	if _, err := w.stdin.Write(append(b, '\n')); err != nil {
		j.out <- result{err: fmt.Errorf("%w: %v", ErrWorkerExited, err)}
		return false
	}
	for {
		select {
		case line, ok := <-w.lines:
			if !ok {
				j.out <- result{err: fmt.Errorf("%w during request %s", ErrWorkerExited, j.id)}
				return false
			}
			var msg poolResponse
			if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &msg); err != nil {
				logging.Debugw("stt: worker wrote non-JSON line", "worker", idx, "line", line)
				continue
			}
			if msg.Type != "" || msg.ID != j.id {
				continue
			}
			if msg.OK {
				j.out <- result{text: msg.Text}
			} else {
				e := msg.Error
				if e == "" {
					e = "transcription failed"
				}
				j.out <- result{err: fmt.Errorf("stt worker: %s", e)}
			}
			return true
		case <-j.ctx.Done():
			logging.Warnw("stt: request timed out, killing worker", "worker", idx, "request_id", j.id)
			j.out <- result{err: j.ctx.Err()}
			return false
		case <-p.ctx.Done():
			j.out <- result{err: ErrPoolClosed}
			return false
		}
	}
}

type stderrLogger struct{ worker int }

func (s *stderrLogger) Write(b []byte) (int, error) {
	if msg := strings.TrimSpace(string(b)); msg != "" {
		logging.Debugw("stt: worker stderr", "worker", s.worker, "msg", msg)
	}
	return len(b), nil
}
