package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/job"
	"tasksched/internal/storage"
	logx "tasksched/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr string
	}{
		{"memory default", config.StorageConfig{}, ""},
		{"sqlite", config.StorageConfig{Driver: "SQLite", Path: "x.db"}, ""},
		{"sqlite needs path", config.StorageConfig{Driver: "sqlite"}, "storage.path"},
		{"postgres needs dsn", config.StorageConfig{Driver: "postgres"}, "storage.dsn"},
		{"mongo needs dsn", config.StorageConfig{Driver: "mongo"}, "storage.dsn"},
		{"unknown", config.StorageConfig{Driver: "etcd"}, "unknown storage.driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, err := mapStorageConfig(&config.Config{Storage: tc.cfg})
			if tc.wantErr == "" {
				if err != nil {
					t.Fatal(err)
				}
				if sc.ConnectTimeout != 10*time.Second {
					t.Fatalf("connect timeout = %s", sc.ConnectTimeout)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestMapSchedulerReapInterval(t *testing.T) {
	sc, err := mapSchedulerConfig(&config.Config{})
	if err != nil || sc.ReapInterval != 30*time.Second {
		t.Fatalf("default reap = %s, %v", sc.ReapInterval, err)
	}
	sc, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{ReapInterval: "0s"}})
	if err != nil || sc.ReapInterval != 0 {
		t.Fatalf("disabled reap = %s, %v", sc.ReapInterval, err)
	}
}

func TestMapAlertAndLogConfig(t *testing.T) {
	cfg := &config.Config{
		Logging: config.LoggingConfig{Alert: config.LoggingAlert{Enabled: true}},
		Alerts:  config.AlertsConfig{Statuses: []string{"failed", "timeout"}},
	}
	if mapLogConfig(cfg).Alert.Enabled {
		t.Fatal("log alert sink enabled without alerts chat")
	}
	ac, err := mapAlertConfig(cfg)
	if err != nil || len(ac.Statuses) != 2 || ac.Statuses[1] != job.Timeout {
		t.Fatalf("alert config = %+v, %v", ac, err)
	}
	cfg.Alerts.Statuses = []string{"nope"}
	if _, err := mapAlertConfig(cfg); err == nil {
		t.Fatal("bad status accepted")
	}
}

func TestWorkerID(t *testing.T) {
	if got := workerID(&config.Config{Scheduler: config.SchedulerConfig{WorkerID: " node-a "}}); got != "node-a" {
		t.Fatalf("worker = %q", got)
	}
	a := workerID(&config.Config{})
	b := workerID(&config.Config{})
	if a == b || a == "" {
		t.Fatalf("generated ids %q %q", a, b)
	}
}

func TestAppRunsJobs(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: error
  console: false
storage:
  driver: memory
scheduler:
  worker_id: test-1
  poll_interval: 10ms
pool:
  workers: 2
`)
	ctx := context.Background()
	a, err := NewApp(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	id, err := a.Scheduler().Submit(ctx, "noop", nil)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		st, err := a.Scheduler().Status(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if st == job.Done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s", st)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after stop")
	}
}

func TestStopRecordsKilledForJobIgnoringCancel(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	path := writeConfig(t, `
logging:
  level: error
  console: false
storage:
  driver: sqlite
  path: `+dbPath+`
scheduler:
  worker_id: test-stop
  poll_interval: 10ms
pool:
  workers: 1
  drain_timeout: 100ms
  kill_grace: 100ms
`)
	ctx := context.Background()
	a, err := NewApp(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)
	a.Registry().MustRegister("stubborn", func(*job.Job) (job.Startable, error) {
		return job.StartFunc(func(context.Context) (bool, error) {
			started <- struct{}{}
			<-release
			return true, nil
		}), nil
	})
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	id, err := a.Scheduler().Submit(ctx, "stubborn", nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatal(err)
	}

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: dbPath}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.Killed {
		t.Fatalf("status after stop = %s, want killed", got.Status)
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: sqlite\n")
	if _, err := NewApp(context.Background(), path); err == nil || !strings.Contains(err.Error(), "storage.path") {
		t.Fatalf("err = %v", err)
	}
}
