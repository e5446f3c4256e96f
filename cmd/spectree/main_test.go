package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ShayCichocki/spectree/internal/api"
	"github.com/ShayCichocki/spectree/internal/config"
	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/internal/specfile"
	"github.com/ShayCichocki/spectree/pkg/models"
)

func TestConfigValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
		want  string
	}{
		{key: "caps.max_concurrent", value: "8", want: "8"},
		{key: "caps.max_cost", value: "12.5", want: "12.5"},
		{key: "anthropic.use_bedrock", value: "true", want: "true"},
		{key: "loop.poll_interval", value: "250ms", want: "250ms"},
		{key: "bus.backend", value: "redis", want: "redis"},
		{key: "Server.Addr", value: ":9000", want: ":9000"},
		{key: "anthropic.api_key", value: "sk-ant-REDACTED", want: "sk-ant-...mnop"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := config.Default()
			if err := setConfigValue(cfg, tt.key, tt.value); err != nil {
				t.Fatalf("setConfigValue(%s) failed: %v", tt.key, err)
			}
			got, err := getConfigValue(cfg, tt.key)
			if err != nil {
				t.Fatalf("getConfigValue(%s) failed: %v", tt.key, err)
			}
			if got != tt.want {
				t.Errorf("getConfigValue(%s) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestConfigValues_Errors(t *testing.T) {
	cfg := config.Default()
	if err := setConfigValue(cfg, "caps.max_agents", "many"); err == nil {
		t.Error("expected error for non-numeric caps.max_agents")
	}
	if err := setConfigValue(cfg, "loop.sweep_interval", "soon"); err == nil {
		t.Error("expected error for bad duration")
	}
	if _, err := getConfigValue(cfg, "defaults.tier"); err == nil || !strings.Contains(err.Error(), "unknown configuration key") {
		t.Errorf("expected unknown key error, got %v", err)
	}
}

func TestConfigKeysAreReadable(t *testing.T) {
	cfg := config.Default()
	for _, key := range configKeys {
		if _, err := getConfigValue(cfg, key); err != nil {
			t.Errorf("listed key %s is not readable: %v", key, err)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   orchestrator.OrchestratorEvent
		want string
	}{
		{
			name: "round start is omitted",
			ev:   orchestrator.OrchestratorEvent{Type: orchestrator.EventRoundStarted, SpecID: "app"},
			want: "",
		},
		{
			name: "round failure",
			ev:   orchestrator.OrchestratorEvent{Type: orchestrator.EventRoundFinished, SpecID: "app", Role: models.RoleCritic, Error: "timeout"},
			want: "app critic round failed: timeout",
		},
		{
			name: "phase change with reason",
			ev:   orchestrator.OrchestratorEvent{Type: orchestrator.EventPhaseChanged, SpecID: "app/api", Phase: models.PhaseImplementation, Message: "approved"},
			want: "app/api -> IMPLEMENTATION (approved)",
		},
		{
			name: "approval request names the command",
			ev:   orchestrator.OrchestratorEvent{Type: orchestrator.EventApprovalRequested, SpecID: "app", Phase: models.PhaseAwaitingArchApproval},
			want: "app waits for approval in AWAITING_ARCH_APPROVAL: spectree approve app",
		},
		{
			name: "rejected message names both ends",
			ev:   orchestrator.OrchestratorEvent{Type: orchestrator.EventMessageRejected, SpecID: "app/api", Message: "app/api -> app/db (discovery)", Error: "invalid route"},
			want: "message app/api -> app/db (discovery) rejected: invalid route",
		},
		{
			name: "cap reached",
			ev:   orchestrator.OrchestratorEvent{Type: orchestrator.EventCapReached, Message: "max agents"},
			want: "cap reached: max agents",
		},
		{
			name: "run done",
			ev:   orchestrator.OrchestratorEvent{Type: orchestrator.EventRunDone},
			want: "run finished",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEvent(tt.ev); got != tt.want {
				t.Errorf("formatEvent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFileController(t *testing.T) {
	dir := t.TempDir()
	c := &fileController{dir: dir}

	node, err := c.Decide(context.Background(), "app/api", orchestrator.Decision{Approve: false, Feedback: "split the handler", By: "watch", Version: 3})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if node != nil {
		t.Errorf("expected no node from a queued decision, got %+v", node)
	}
	c.Pause()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var decisions, signals int
	for _, e := range entries {
		switch {
		case e.Name() == api.SignalPause:
			signals++
		case strings.HasSuffix(e.Name(), ".yaml") && !strings.HasPrefix(e.Name(), "."):
			decisions++
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			for _, want := range []string{"spec: app/api", "action: reject", "feedback: split the handler", "version: 3"} {
				if !strings.Contains(string(data), want) {
					t.Errorf("decision file missing %q:\n%s", want, data)
				}
			}
		}
	}
	if decisions != 1 || signals != 1 {
		t.Errorf("expected 1 decision and 1 signal file, got %d and %d", decisions, signals)
	}
}

func TestUpdateGitignore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".gitignore")
	if err := os.WriteFile(path, []byte("bin/\n.spectree/logs/"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := updateGitignore(dir); err != nil {
		t.Fatalf("updateGitignore failed: %v", err)
	}
	if err := updateGitignore(dir); err != nil {
		t.Fatalf("second updateGitignore failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	if !strings.HasPrefix(content, "bin/\n.spectree/logs/\n") {
		t.Errorf("existing entries were not preserved:\n%s", content)
	}
	for _, entry := range gitignoreEntries {
		if strings.Count(content, entry) != 1 {
			t.Errorf("expected %q exactly once:\n%s", entry, content)
		}
	}
}

func TestExampleSpecParses(t *testing.T) {
	spec, err := specfile.Parse([]byte(exampleSpec))
	if err != nil {
		t.Fatalf("example spec does not parse: %v", err)
	}
	if got := specfile.Count(spec); got != 3 {
		t.Errorf("expected 3 specs in the example, got %d", got)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Dir = filepath.Join(t.TempDir(), ".spectree")
	return cfg
}

func TestOpenApp_SubmitAndDecide(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	defer a.Close()
	a.drainEvents()

	spec, err := specfile.Parse([]byte(exampleSpec))
	if err != nil {
		t.Fatal(err)
	}
	node, err := a.orch.Submit(*spec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if node.Phase != models.PhasePending {
		t.Errorf("expected PENDING, got %s", node.Phase)
	}

	st, err := a.orch.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(st.Roots) != 1 || st.Roots[0].ID != "service" {
		t.Fatalf("unexpected roots: %+v", st.Roots)
	}

	if _, err := a.orch.Decide(ctx, "service", orchestrator.Decision{Approve: true, By: "test"}); err == nil {
		t.Error("expected approving a PENDING spec to fail")
	}

	msg, err := a.orch.Send(ctx, "", "service", models.MessageContextUpdate, models.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("system Send failed: %v", err)
	}
	history, err := a.orch.Messages(ctx, "service", 10)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(history) != 1 || history[0].ID != msg.ID {
		t.Errorf("expected the sent message in history, got %+v", history)
	}
}

func TestOpenApp_ReopensState(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	a.drainEvents()
	if _, err := a.orch.Submit(models.ChildSpec{Name: "app", Content: models.SpecContent{Title: "app"}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	a.Close()

	b, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		t.Fatalf("second openApp failed: %v", err)
	}
	defer b.Close()
	b.drainEvents()

	n, err := b.orch.Node("app")
	if err != nil {
		t.Fatalf("Node failed after reopen: %v", err)
	}
	if n.Content.Title != "app" {
		t.Errorf("unexpected node after reopen: %+v", n)
	}
}

func TestRemoteEngine_ForwardsSignals(t *testing.T) {
	dir := t.TempDir()
	e := &remoteEngine{signals: &fileController{dir: dir}}
	e.Stop()

	if _, err := os.Stat(filepath.Join(dir, api.SignalStop)); err != nil {
		t.Fatalf("stop signal file was not written: %v", err)
	}
}
