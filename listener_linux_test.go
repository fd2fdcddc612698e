//go:build linux
// +build linux

package hwcomposer

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/sys/unix"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"123456789", 123456789, false},
		{"123456789\n", 123456789, false},
		{"1\n2\n3\n", 3, false},
		{"  42  ", 42, false},
		{"", 0, true},
		{"\n", 0, true},
		{"vsync", 0, true},
	}
	for _, tt := range tests {
		got, err := parseTimestamp([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTimestamp(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTimestamp(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatal(err)
	}
	return p[0], p[1]
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func TestListenerDeliversAndStops(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r, w := newPipe(t)
	defer unix.Close(w)

	var calls atomic.Int32
	l, err := startListener("test", r, logger, func(fd int) error {
		var buf [16]byte
		_, err := unix.Read(fd, buf[:])
		calls.Add(1)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := unix.Write(w, []byte("1")); err != nil {
		t.Fatal(err)
	}
	if !waitUntil(t, time.Second, func() bool { return calls.Load() == 1 }) {
		t.Fatalf("handler calls = %d, want 1", calls.Load())
	}

	l.stop()
	l.stop()

	if _, err := unix.FcntlInt(uintptr(r), unix.F_GETFD, 0); err == nil {
		t.Error("source descriptor should be closed after stop")
	}

	// nothing runs after stop
	before := calls.Load()
	_, _ = unix.Write(w, []byte("2"))
	time.Sleep(10 * time.Millisecond)
	if calls.Load() != before {
		t.Error("handler ran after stop")
	}
}

func TestListenerSurvivesHangup(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r, w := newPipe(t)

	l, err := startListener("hup", r, logger, func(fd int) error {
		var buf [16]byte
		_, err := unix.Read(fd, buf[:])
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	_ = unix.Close(w)
	if !waitUntil(t, time.Second, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "listener: source hung up" {
				return true
			}
		}
		return false
	}) {
		t.Error("hangup not reported")
	}

	done := make(chan struct{})
	go func() {
		l.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return after hangup")
	}
}

func openAttribute(t *testing.T, content string) int {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vsync_event")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fd
}

func TestSourceEvents(t *testing.T) {
	r, w := newPipe(t)
	defer unix.Close(r)
	defer unix.Close(w)
	attr := openAttribute(t, "12345\n")
	defer unix.Close(attr)

	tests := []struct {
		name  string
		fd    int
		ready int16
	}{
		{"pipe", r, unix.POLLIN},
		{"attribute", attr, unix.POLLPRI | unix.POLLERR},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, ready := sourceEvents(tt.fd)
			if ready != tt.ready || events&ready != ready {
				t.Errorf("sourceEvents() = %#x, %#x, want ready %#x", events, ready, tt.ready)
			}
		})
	}
}

func TestListenerBlocksOnUnchangedAttribute(t *testing.T) {
	logger, _ := test.NewNullLogger()
	fd := openAttribute(t, "12345\n")

	var calls atomic.Int32
	l, err := startListener("attr", fd, logger, func(int) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	l.stop()

	if n := calls.Load(); n != 0 {
		t.Errorf("handler ran %d times for an attribute that never changed", n)
	}
}
