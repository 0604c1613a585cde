// Package logging builds the process logger. Lines go to stdout (console
// format in development, JSON otherwise), optionally to error.log and
// combined.log under a directory, and optionally to a remote sink that
// publishes each line on the broker.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/workshift/internal/platform/events"
)

// KindLog is the message kind of shipped log lines.
const KindLog = "log"

const (
	errorFile    = "error.log"
	combinedFile = "combined.log"

	defaultRemoteQueue = 1024
	remoteTimeout      = 5 * time.Second
)

// Options selects the log outputs.
type Options struct {
	Dev bool
	// Dir enables error.log and combined.log when set.
	Dir string

	// Remote receives log lines at RemoteLevel and above, published with
	// RemoteTopic as the routing key. Nil disables shipping.
	Remote      events.Sink
	RemoteTopic string
	RemoteLevel zerolog.Level
	// RemoteRate caps shipped lines per second; lines over the cap are dropped.
	RemoteRate  int
	RemoteQueue int
}

// Output owns the files and the shipping worker behind a logger.
type Output struct {
	files  []*os.File
	remote *remoteWriter
}

// New builds a logger writing to stdout plus the outputs enabled in opts.
func New(opts Options, stdout io.Writer) (zerolog.Logger, *Output, error) {
	out := &Output{}

	var console io.Writer = stdout
	if opts.Dev {
		console = zerolog.ConsoleWriter{Out: stdout}
	}
	writers := []io.Writer{console}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log dir: %w", err)
		}
		for _, f := range []struct {
			name string
			min  zerolog.Level
		}{
			{errorFile, zerolog.ErrorLevel},
			{combinedFile, zerolog.TraceLevel},
		} {
			path := filepath.Join(opts.Dir, f.name)
			fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				out.closeFiles()
				return zerolog.Nop(), nil, fmt.Errorf("open %s: %w", path, err)
			}
			out.files = append(out.files, fh)
			writers = append(writers, minLevelWriter{w: zerolog.SyncWriter(fh), min: f.min})
		}
	}

	if opts.Remote != nil {
		out.remote = newRemoteWriter(opts)
		writers = append(writers, out.remote)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return logger, out, nil
}

// Close drains shipped lines until ctx expires, then closes the files. A
// remote sink that is an io.Closer is closed after draining.
func (o *Output) Close(ctx context.Context) error {
	var err error
	if o.remote != nil {
		err = o.remote.close(ctx)
		if c, ok := o.remote.sink.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close log sink: %w", cerr)
			}
		}
	}
	o.closeFiles()
	return err
}

// Dropped counts log lines that were not shipped.
func (o *Output) Dropped() uint64 {
	if o.remote == nil {
		return 0
	}
	return o.remote.dropped.Load()
}

func (o *Output) closeFiles() {
	for _, f := range o.files {
		_ = f.Close()
	}
	o.files = nil
}

type minLevelWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (m minLevelWriter) Write(p []byte) (int, error) { return m.w.Write(p) }

func (m minLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < m.min {
		return len(p), nil
	}
	return m.w.Write(p)
}

// remoteWriter queues log lines for a single delivery worker. Writes never
// block the caller.
type remoteWriter struct {
	sink    events.Sink
	topic   string
	min     zerolog.Level
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
	queue  chan events.Message
	done   chan struct{}

	dropped atomic.Uint64
}

func newRemoteWriter(opts Options) *remoteWriter {
	size := opts.RemoteQueue
	if size <= 0 {
		size = defaultRemoteQueue
	}
	rps := opts.RemoteRate
	if rps <= 0 {
		rps = 1
	}
	w := &remoteWriter{
		sink:    opts.Remote,
		topic:   opts.RemoteTopic,
		min:     opts.RemoteLevel,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		queue:   make(chan events.Message, size),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *remoteWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *remoteWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.min {
		return len(p), nil
	}
	if !w.limiter.Allow() {
		w.dropped.Add(1)
		return len(p), nil
	}

	// zerolog reuses p after Write returns.
	body := make([]byte, len(p))
	copy(body, p)
	m := events.Message{Kind: KindLog, RoutingKey: w.topic, Body: body, Time: time.Now().UTC()}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return len(p), nil
	}
	select {
	case w.queue <- m:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

func (w *remoteWriter) run() {
	defer close(w.done)
	for m := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		if err := w.sink.Deliver(ctx, m); err != nil {
			w.dropped.Add(1)
		}
		cancel()
	}
}

func (w *remoteWriter) close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ship pending log lines: %w", ctx.Err())
	}
}
