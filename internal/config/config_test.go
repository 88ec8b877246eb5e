package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/loykin/supervisr/internal/service"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadFull(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "supervisr.toml", `
env = ["TOP=1"]

[engine]
restart_interval = "2s"
stable_after = "30s"
kill_timeout = "3s"
subreaper = false

[log]
dir = "/var/log/supervisr"
max_size_mb = 5
  [log.slog]
  level = "debug"
  format = "json"

[server]
listen = "127.0.0.1:7070"
base_path = "/v1"
pidfile = "/run/supervisr.pid"

[metrics]
enabled = true
usage = true
usage_interval = "10s"

[history]
dsn = ["sqlite:///tmp/h.db"]

[[services]]
id = 7
name = "web"
command = "python3 -m http.server 8000"
workdir = "/srv"
env = ["PORT=8000", "MODE=prod"]
watch = ["/srv/app.py"]
restart_interval = "500ms"
  [services.log]
  dir = "/var/log/web"

[[services]]
name = "backup"
path = "/usr/local/bin/backup"
args = ["--all"]
schedule = "0 3 * * *"
active = false
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Path != file {
		t.Fatalf("path %q", c.Path)
	}
	if c.Engine.RestartInterval != 2*time.Second || c.Engine.StableAfter != 30*time.Second || c.Engine.KillTimeout != 3*time.Second {
		t.Fatalf("engine: %+v", c.Engine)
	}
	if c.Engine.Subreaper {
		t.Fatal("subreaper should be off")
	}
	if c.Engine.ClockTolerance != 2*time.Second {
		t.Fatalf("default clock tolerance lost: %v", c.Engine.ClockTolerance)
	}
	if c.Log.Slog.Level != "debug" || c.Log.Slog.Format != "json" || c.Log.File.Dir != "/var/log/supervisr" || c.Log.File.MaxSizeMB != 5 {
		t.Fatalf("log: %+v", c.Log)
	}
	if c.Server.Listen != "127.0.0.1:7070" || c.Server.BasePath != "/v1" || c.Server.PIDFile != "/run/supervisr.pid" {
		t.Fatalf("server: %+v", c.Server)
	}
	u := c.Metrics.UsageConfig()
	if !c.Metrics.Enabled || !u.Enabled || u.Interval != 10*time.Second || u.MaxHistory != 100 {
		t.Fatalf("metrics: %+v", c.Metrics)
	}
	if len(c.History.DSN) != 1 || c.History.Buffer != 1024 {
		t.Fatalf("history: %+v", c.History)
	}

	defs, err := c.Definitions()
	if err != nil {
		t.Fatalf("definitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("want 2 definitions, got %d", len(defs))
	}
	web := defs[0]
	if web.ID != 7 || web.Name != "web" || !web.Active {
		t.Fatalf("web: %+v", web)
	}
	if web.Command.Path != "python3" || !reflect.DeepEqual(web.Command.Args, []string{"-m", "http.server", "8000"}) {
		t.Fatalf("web command: %+v", web.Command)
	}
	if web.Command.Env["PORT"] != "8000" || web.Command.Env["MODE"] != "prod" || web.Command.WorkDir != "/srv" {
		t.Fatalf("web env/workdir: %+v", web.Command)
	}
	if web.RestartInterval != 500*time.Millisecond || len(web.Watch) != 1 {
		t.Fatalf("web extras: %+v", web)
	}
	backup := defs[1]
	if backup.ID != 0 || backup.Active || backup.Schedule != "0 3 * * *" {
		t.Fatalf("backup: %+v", backup)
	}
	if backup.Command.Path != "/usr/local/bin/backup" || !reflect.DeepEqual(backup.Command.Args, []string{"--all"}) {
		t.Fatalf("backup command: %+v", backup.Command)
	}

	if got := c.ServiceLog("web"); got.Dir != "/var/log/web" || got.MaxSizeMB != 5 {
		t.Fatalf("web log: %+v", got)
	}
	if got := c.ServiceLog("backup"); got.Dir != "/var/log/supervisr" {
		t.Fatalf("backup log: %+v", got)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv(EnvPrefix+"_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Path != "" {
		t.Fatalf("unexpected file %q", c.Path)
	}
	if c.Server.Listen != DefaultListen || c.Server.BasePath != DefaultBasePath {
		t.Fatalf("server defaults: %+v", c.Server)
	}
	if c.Engine.KillTimeout != 10*time.Second || c.Engine.WatchDebounce != DefaultWatchDebounce || !c.Engine.Subreaper {
		t.Fatalf("engine defaults: %+v", c.Engine)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "c.toml", "[server]\nlisten = \"127.0.0.1:1000\"\n")
	t.Setenv("SUPERVISR_SERVER_LISTEN", "127.0.0.1:2000")
	t.Setenv("SUPERVISR_ENGINE_RESTART_INTERVAL", "250ms")
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != "127.0.0.1:2000" {
		t.Fatalf("listen %q", c.Server.Listen)
	}
	if c.Engine.RestartInterval != 250*time.Millisecond {
		t.Fatalf("restart interval %v", c.Engine.RestartInterval)
	}
}

func TestKillTimeoutZeroDisablesEscalation(t *testing.T) {
	c, err := Parse([]byte("[engine]\nkill_timeout = \"0s\"\n"), "toml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Engine.KillTimeout >= 0 {
		t.Fatalf("kill timeout %v, want negative", c.Engine.KillTimeout)
	}
}

func TestResolveOrder(t *testing.T) {
	xdg := t.TempDir()
	work := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv(EnvPrefix+"_CONFIG", "")
	t.Chdir(work)

	if p, err := Resolve(""); err != nil || p != "" {
		t.Fatalf("empty lookup: %q %v", p, err)
	}
	local := writeFile(t, work, ".supervisr.toml", "")
	if p, _ := Resolve(""); p != ".supervisr.toml" {
		t.Fatalf("want local file, got %q (%s)", p, local)
	}
	if err := os.MkdirAll(filepath.Join(xdg, "supervisr"), 0o755); err != nil {
		t.Fatal(err)
	}
	user := writeFile(t, filepath.Join(xdg, "supervisr"), "config.toml", "")
	if p, _ := Resolve(""); p != user {
		t.Fatalf("want user config, got %q", p)
	}
	explicitEnv := writeFile(t, work, "env.toml", "")
	t.Setenv(EnvPrefix+"_CONFIG", explicitEnv)
	if p, _ := Resolve(""); p != explicitEnv {
		t.Fatalf("want $SUPERVISR_CONFIG, got %q", p)
	}
	if p, _ := Resolve(local); p != local {
		t.Fatalf("explicit path ignored: %q", p)
	}
	if _, err := Resolve(filepath.Join(work, "missing.toml")); !errors.Is(err, ErrNoConfig) {
		t.Fatalf("missing explicit file: %v", err)
	}
}

func TestYAMLConfig(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "c.yaml", `
services:
  - name: worker
    command: "sh -c 'echo hi; sleep 1'"
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defs, err := c.Definitions()
	if err != nil {
		t.Fatalf("definitions: %v", err)
	}
	cmd := defs[0].Command
	if cmd.Path != "/bin/sh" || !reflect.DeepEqual(cmd.Args, []string{"-c", "echo hi; sleep 1"}) {
		t.Fatalf("command: %+v", cmd)
	}
}

func TestInvalidConfigs(t *testing.T) {
	cases := []struct {
		name string
		data string
		want error
	}{
		{"missing name", "[[services]]\ncommand = \"true\"\n", service.ErrInvalidCommand},
		{"missing command", "[[services]]\nname = \"a\"\n", service.ErrInvalidCommand},
		{"bad listen", "[server]\nlisten = \"nope\"\n", service.ErrInvalidCommand},
		{"duplicate name", "[[services]]\nname = \"a\"\ncommand = \"true\"\n[[services]]\nname = \"a\"\ncommand = \"false\"\n", service.ErrDuplicateName},
		{"duplicate id", "[[services]]\nid = 3\nname = \"a\"\ncommand = \"true\"\n[[services]]\nid = 3\nname = \"b\"\ncommand = \"true\"\n", service.ErrDuplicateName},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data), "toml")
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEnvTableRejected(t *testing.T) {
	_, err := Parse([]byte("[[services]]\nname = \"a\"\ncommand = \"true\"\nenv = { A = \"1\" }\n"), "toml")
	if err == nil {
		t.Fatal("expected error for env table")
	}
}

func TestBadScheduleInDefinitions(t *testing.T) {
	c, err := Parse([]byte("[[services]]\nname = \"a\"\ncommand = \"true\"\nschedule = \"61 * * * *\"\n"), "toml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := c.Definitions(); !errors.Is(err, service.ErrInvalidSchedule) {
		t.Fatalf("got %v", err)
	}
}

func TestGlobalEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.env", "FILE_ONLY=fv\nSHARED=file\n")
	file := writeFile(t, dir, "c.toml", `
use_os_env = true
env_files = ["app.env"]
env = ["SHARED=top", "CHAIN=${OS_ONLY}-x"]
`)
	t.Setenv("OS_ONLY", "osv")
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e, err := c.GlobalEnv()
	if err != nil {
		t.Fatalf("global env: %v", err)
	}
	m := map[string]string{}
	for _, kv := range e.Merge(map[string]string{"PER": "p"}) {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	want := map[string]string{"FILE_ONLY": "fv", "SHARED": "top", "CHAIN": "osv-x", "OS_ONLY": "osv", "PER": "p"}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %q, want %q", k, m[k], v)
		}
	}
}

func TestGlobalEnvMissingFile(t *testing.T) {
	c, err := Parse([]byte("env_files = [\"/nonexistent/x.env\"]\n"), "toml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := c.GlobalEnv(); err == nil {
		t.Fatal("expected error")
	}
}
