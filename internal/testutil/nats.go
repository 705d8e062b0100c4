package testutil

import (
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// FreePort reserves a local TCP port and returns it to the caller.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// StartLocalNATSServer starts a JetStream-enabled nats-server for integration tests.
// The test is skipped when the nats-server binary is not installed.
// Params: test handle for lifecycle and failure reporting.
// Returns: server URL; the server stops on test cleanup.
func StartLocalNATSServer(tb testing.TB) string {
	tb.Helper()

	if _, err := exec.LookPath("nats-server"); err != nil {
		tb.Skipf("nats-server is required for integration test: %v", err)
	}
	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}

	cmd := exec.Command("nats-server", "-js", "-a", "127.0.0.1", "-p", strconv.Itoa(port), "-sd", tb.TempDir())
	if err := cmd.Start(); err != nil {
		tb.Skipf("start nats-server: %v", err)
	}

	var stopOnce sync.Once
	tb.Cleanup(func() {
		stopOnce.Do(func() { stopProcess(cmd) })
	})

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	WaitForNATSReady(tb, url, 8*time.Second)
	return url
}

func stopProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
}

// WaitForNATSReady waits until a NATS endpoint accepts connections or fails the test.
func WaitForNATSReady(tb testing.TB, url string, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		nc, err := nats.Connect(url)
		if err == nil {
			nc.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	tb.Fatalf("nats did not become ready at %s", url)
}
