package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/CZERTAINLY/manticore/internal/handshake"
	"github.com/google/uuid"
)

// pipes of a worker process, seen from the pool
type pipes struct {
	in    *os.File // fd 3 of a child
	out   *os.File // fd 4 of a child
	ready *os.File // fd 5 of a child
	// child ends, closed once the process starts
	child []*os.File
}

func newPipes() (*pipes, error) {
	p := &pipes{}
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	p.in, p.child = inW, append(p.child, inR)

	outR, outW, err := os.Pipe()
	if err != nil {
		p.close()
		return nil, err
	}
	p.out, p.child = outR, append(p.child, outW)

	readyR, readyW, err := os.Pipe()
	if err != nil {
		p.close()
		return nil, err
	}
	p.ready, p.child = readyR, append(p.child, readyW)
	return p, nil
}

func (p *pipes) closeChild() {
	for _, f := range p.child {
		_ = f.Close()
	}
	p.child = nil
}

func (p *pipes) close() {
	p.closeChild()
	for _, f := range []*os.File{p.in, p.out, p.ready} {
		if f != nil {
			_ = f.Close()
		}
	}
}

// spawn starts a worker process and sends it the handshake probe. The worker
// becomes ready asynchronously. It is called with p.mx held, so nothing here
// may report back to the pool synchronously.
func (p *Pool) spawn() (runner, error) {
	pp, err := newPipes()
	if err != nil {
		return nil, fmt.Errorf("creating pipes: %w", err)
	}

	cmd := exec.Command(p.cfg.Worker.Path, p.cfg.Worker.Args...)
	cmd.Env = append(os.Environ(), p.cfg.Worker.Env...)
	cmd.Dir = p.cfg.Worker.Dir
	cmd.ExtraFiles = pp.child
	cmd.Stdout = p.cfg.Stdout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pp.close()
		return nil, err
	}

	var stderr *os.File
	if p.cfg.Stderr != nil {
		cmd.Stderr = p.cfg.Stderr
	} else {
		var stderrW *os.File
		stderr, stderrW, err = os.Pipe()
		if err != nil {
			pp.close()
			return nil, err
		}
		cmd.Stderr = stderrW
		pp.child = append(pp.child, stderrW)
	}

	if err := cmd.Start(); err != nil {
		pp.close()
		if stderr != nil {
			_ = stderr.Close()
		}
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	pp.closeChild()

	w := newWorker(p, cmd, pp)
	p.status(Status{Event: EventSpawn, Worker: w.id})
	p.metrics.Spawned()

	token := uuid.NewString()
	probe := handshake.Probe{Token: token, Streams: p.cfg.Streams, Codec: p.codec.Name()}
	p.wg.Go(func() {
		err := handshake.WriteProbe(stdin, probe)
		_ = stdin.Close()
		if err != nil {
			w.kill(fmt.Errorf("sending probe to %s: %w", w.id, err))
		}
	})

	if stderr != nil {
		p.wg.Go(func() { w.logStderr(stderr) })
	}
	p.wg.Go(func() { w.waitReady(token) })
	p.wg.Go(w.waitProcess)
	w.goTransport()
	return w, nil
}

func (w *worker) waitReady(token string) {
	defer func() { _ = w.pipes.ready.Close() }()
	ready, err := handshake.ReadReady(bufio.NewReader(w.pipes.ready), token)
	if err != nil {
		w.kill(fmt.Errorf("%s not ready: %w", w.id, err))
		return
	}
	if ready.Worker != w.id {
		w.log.Debug("worker reported different id", "worker", w.id, "reported", ready.Worker)
	}
	w.onReady()
}

func (w *worker) waitProcess() {
	err := w.cmd.Wait()
	if err == nil {
		err = errors.New("exited")
	}
	w.kill(fmt.Errorf("%s %w: %w", w.id, ErrWorkerDown, err))
}

// logStderr is a stderr of a worker, written line by line into the log.
func (w *worker) logStderr(stderr io.ReadCloser) {
	defer func() { _ = stderr.Close() }()
	ctx := context.Background()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		w.log.InfoContext(ctx, scanner.Text(), "worker", w.id, "stream", "stderr")
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		w.log.ErrorContext(ctx, "processing stderr", "worker", w.id, "error", err)
	}
}
