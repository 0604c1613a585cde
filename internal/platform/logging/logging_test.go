package logging

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/workshift/internal/platform/events"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []events.Message
	err  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, m events.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return s.err
}

func (s *recordingSink) messages() []events.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Message(nil), s.msgs...)
}

func TestNew_StdoutJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, out, err := New(Options{}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer out.Close(context.Background())

	logger.Info().Str("workshift_id", "w-1").Msg("workshift created")
	line := buf.String()
	if !strings.Contains(line, `"message":"workshift created"`) || !strings.Contains(line, `"workshift_id":"w-1"`) {
		t.Errorf("expected JSON line, got %q", line)
	}
}

func TestNew_Files(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, out, err := New(Options{Dir: dir}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info().Msg("routine")
	logger.Error().Msg("storage failed")
	if err := out.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	errorLog, err := os.ReadFile(filepath.Join(dir, errorFile))
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}
	if strings.Contains(string(errorLog), "routine") || !strings.Contains(string(errorLog), "storage failed") {
		t.Errorf("error log should hold only errors, got %q", errorLog)
	}

	combined, err := os.ReadFile(filepath.Join(dir, combinedFile))
	if err != nil {
		t.Fatalf("read combined log: %v", err)
	}
	if !strings.Contains(string(combined), "routine") || !strings.Contains(string(combined), "storage failed") {
		t.Errorf("combined log should hold every line, got %q", combined)
	}
}

func TestNew_DirNotCreatable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := New(Options{Dir: filepath.Join(file, "logs")}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error when the log dir cannot be created")
	}
}

func TestRemote_ShipsAtLevel(t *testing.T) {
	sink := &recordingSink{}
	logger, out, err := New(Options{
		Remote:      sink,
		RemoteTopic: "microservice-logs",
		RemoteLevel: zerolog.WarnLevel,
		RemoteRate:  100,
	}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info().Msg("not shipped")
	logger.Warn().Msg("quota close")
	logger.Error().Msg("storage failed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := out.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	msgs := sink.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 shipped lines, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Kind != KindLog || m.RoutingKey != "microservice-logs" {
			t.Errorf("unexpected envelope %+v", m)
		}
		if m.Time.IsZero() {
			t.Error("expected timestamp")
		}
	}
	if !strings.Contains(string(msgs[0].Body), "quota close") || !strings.Contains(string(msgs[1].Body), "storage failed") {
		t.Errorf("unexpected bodies %q, %q", msgs[0].Body, msgs[1].Body)
	}
}

func TestRemote_RateLimitDrops(t *testing.T) {
	sink := &recordingSink{}
	logger, out, err := New(Options{Remote: sink, RemoteTopic: "logs", RemoteRate: 2}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 10; i++ {
		logger.Info().Int("i", i).Msg("burst")
	}
	if err := out.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	shipped := len(sink.messages())
	if shipped >= 10 {
		t.Errorf("expected the burst to be capped, shipped %d", shipped)
	}
	if got := out.Dropped(); got != uint64(10-shipped) {
		t.Errorf("expected %d dropped, got %d", 10-shipped, got)
	}
}

func TestRemote_FailedDeliveryCountsDropped(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	logger, out, err := New(Options{Remote: sink, RemoteTopic: "logs", RemoteRate: 10}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info().Msg("lost")
	if err := out.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if out.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", out.Dropped())
	}
}

func TestRemote_WriteAfterCloseIsDropped(t *testing.T) {
	sink := &recordingSink{}
	logger, out, err := New(Options{Remote: sink, RemoteTopic: "logs", RemoteRate: 10}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := out.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	logger.Info().Msg("late")
	if len(sink.messages()) != 0 {
		t.Error("expected nothing shipped after close")
	}
	if out.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", out.Dropped())
	}
}

type closingSink struct {
	recordingSink
	closed bool
}

func (s *closingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestOutput_ClosesRemoteSink(t *testing.T) {
	sink := &closingSink{}
	logger, out, err := New(Options{Remote: sink, RemoteTopic: "logs", RemoteRate: 10}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Warn().Msg("before close")
	if err := out.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sink.messages()) != 1 {
		t.Errorf("expected the pending line delivered before close, got %d", len(sink.messages()))
	}
	if !sink.closed {
		t.Error("expected sink to be closed")
	}
}
