package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/walkley/myagents/internal/cron"
	"github.com/walkley/myagents/internal/sidecar"
	"github.com/walkley/myagents/internal/storage"
	"github.com/walkley/myagents/internal/tab"
	"github.com/walkley/myagents/internal/transport"
)

// TestSidecar is a sidecar listening on a real port with its session
// archive and cron registry on disk.
type TestSidecar struct {
	Server    *sidecar.Server
	Scheduler *sidecar.Scheduler
	Registry  *cron.FileRegistry
	BaseURL   string
	TempDir   string

	cancel context.CancelFunc
}

// LoadEnv reads the first .env file found near the test package.
func LoadEnv() {
	_ = godotenv.Load("../../.env")
	_ = godotenv.Load("../.env")
	_ = godotenv.Load(".env")
}

// PushMode returns the push transport named by CITEST_PUSH, SSE by default.
func PushMode() transport.PushMode {
	if os.Getenv("CITEST_PUSH") == string(transport.PushWebSocket) {
		return transport.PushWebSocket
	}
	return transport.PushSSE
}

// StartSidecar creates and starts a sidecar with its scheduler.
func StartSidecar() (*TestSidecar, error) {
	tempDir, err := os.MkdirTemp("", "myagents-citest-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	cfg := sidecar.DefaultConfig()
	cfg.Heartbeat = time.Second
	cfg.TokenDelay = 2 * time.Millisecond
	srv := sidecar.New(cfg, sidecar.NewArchive(storage.New(filepath.Join(tempDir, "storage"))))

	ctx, cancel := context.WithCancel(context.Background())
	reg, err := OpenRegistry(ctx, tempDir)
	if err != nil {
		cancel()
		ln.Close()
		os.RemoveAll(tempDir)
		return nil, err
	}
	sched := sidecar.NewScheduler(reg, srv, srv.NotifyCron)
	if err := sched.Start(ctx); err != nil {
		cancel()
		reg.Close()
		ln.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}
	srv.UseScheduler(sched)

	go func() {
		_ = srv.Serve(ln)
	}()

	ts := &TestSidecar{
		Server:    srv,
		Scheduler: sched,
		Registry:  reg,
		BaseURL:   "http://" + ln.Addr().String(),
		TempDir:   tempDir,
		cancel:    cancel,
	}
	if err := waitForSidecar(ts.BaseURL, 10*time.Second); err != nil {
		ts.Stop()
		return nil, err
	}
	return ts, nil
}

// OpenRegistry opens the cron registry under dir the way a separate
// client process would.
func OpenRegistry(ctx context.Context, dir string) (*cron.FileRegistry, error) {
	reg := cron.NewFileRegistry(storage.New(filepath.Join(dir, "registry")))
	if err := reg.StartWatching(ctx); err != nil {
		reg.Close()
		return nil, fmt.Errorf("failed to watch registry: %w", err)
	}
	return reg, nil
}

// NewManager returns a tab manager talking to the sidecar with its own
// handle on the shared registry.
func (ts *TestSidecar) NewManager(ctx context.Context, push transport.PushMode) (*tab.Manager, func(), error) {
	reg, err := OpenRegistry(ctx, ts.TempDir)
	if err != nil {
		return nil, nil, err
	}
	mgr := tab.NewManager(tab.ManagerOptions{
		Backend:  tab.HTTPBackend(ts.BaseURL, push, 10*time.Second),
		Registry: reg,
	})
	return mgr, func() {
		mgr.Close()
		reg.Close()
	}, nil
}

// Stop shuts down the sidecar and removes its files.
func (ts *TestSidecar) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts.cancel()
	ts.Scheduler.Wait()
	err := ts.Server.Shutdown(ctx)
	ts.Registry.Close()
	os.RemoveAll(ts.TempDir)
	return err
}

func waitForSidecar(baseURL string, timeout time.Duration) error {
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("sidecar not ready after %v", timeout)
}
