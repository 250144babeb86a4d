package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/m1theusr/k8s-easy-start-lab/internal/events"
	"github.com/m1theusr/k8s-easy-start-lab/internal/lifecycle"
	"github.com/m1theusr/k8s-easy-start-lab/internal/orchestrator"
	"github.com/m1theusr/k8s-easy-start-lab/internal/session"
)

func setupSandbox(t *testing.T) (*orchestrator.FakeRuntime, *httptest.Server) {
	t.Helper()
	rt := orchestrator.NewFakeRuntime("ubuntu-k8s:latest")
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	mgr := lifecycle.New(rt, session.NewRegistry(clk), clk, lifecycle.Config{
		Image:         "ubuntu-k8s",
		NamePrefix:    "k8s-lab",
		Shell:         "/bin/bash",
		SessionExpiry: time.Hour,
	})
	Lifecycle = mgr
	orchestrator.SetForTest(rt)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", SandboxSocket)
	mux.HandleFunc("/health", HealthCheck)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		mgr.DrainAll(context.Background())
		Lifecycle = nil
		orchestrator.ResetForTest()
	})
	return rt, srv
}

func dialSandbox(t *testing.T, srv *httptest.Server, persistentID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if persistentID != "" {
		url += "?persistentId=" + persistentID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, events.Message{Event: event, Data: data}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var env events.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

// readUntil reads events until one named event arrives and returns the
// container statuses seen on the way, including any in the final event.
func readUntil(t *testing.T, conn *websocket.Conn, event string) (events.Envelope, []events.Status) {
	t.Helper()
	var statuses []events.Status
	for {
		env := readEvent(t, conn)
		if env.Event == events.ContainerStatus {
			var st events.Status
			json.Unmarshal(env.Data, &st)
			statuses = append(statuses, st)
		}
		if env.Event == event {
			return env, statuses
		}
	}
}

func readInfo(t *testing.T, conn *websocket.Conn) events.Info {
	t.Helper()
	env := readEvent(t, conn)
	if env.Event != events.SessionInfo {
		t.Fatalf("first event = %s, want %s", env.Event, events.SessionInfo)
	}
	var info events.Info
	if err := json.Unmarshal(env.Data, &info); err != nil {
		t.Fatalf("decode session-info: %v", err)
	}
	return info
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSandboxSocket_CreateAndUseTerminal(t *testing.T) {
	rt, srv := setupSandbox(t)
	conn := dialSandbox(t, srv, "user_t1")

	info := readInfo(t, conn)
	if info.PersistentID != "user_t1" || info.Reconnections != 0 {
		t.Errorf("session-info = %+v", info)
	}

	send(t, conn, events.CheckContainer, nil)
	_, statuses := readUntil(t, conn, events.ContainerStatus)
	if len(statuses) != 1 || statuses[0] != events.StatusNone {
		t.Fatalf("check statuses = %v, want [none]", statuses)
	}

	send(t, conn, events.CreateContainer, nil)
	_, statuses = readUntil(t, conn, events.ContainerReady)
	want := []events.Status{events.StatusStarting, events.StatusInstalling, events.StatusRunning}
	if len(statuses) != 3 || statuses[0] != want[0] || statuses[1] != want[1] || statuses[2] != want[2] {
		t.Fatalf("create statuses = %v, want %v", statuses, want)
	}

	send(t, conn, events.TerminalInput, "kubectl version\n")
	shell := rt.ExecStreams()[0]
	waitUntil(t, "shell input", func() bool { return shell.Input() == "kubectl version\n" })

	go shell.Send("Client Version: v1.30.0\r\n")
	env, _ := readUntil(t, conn, events.ContainerOutput)
	var out string
	json.Unmarshal(env.Data, &out)
	if !strings.Contains(out, "Client Version") {
		t.Errorf("output = %q", out)
	}

	send(t, conn, events.TerminalResize, events.Resize{Cols: 9000, Rows: 50})
	waitUntil(t, "resize", func() bool { return len(rt.Resizes()) == 1 })
	if got := rt.Resizes()[0]; got != "exec-1:500x50" {
		t.Errorf("resize = %s, want clamped exec-1:500x50", got)
	}

	send(t, conn, events.StopContainer, nil)
	_, statuses = readUntil(t, conn, events.ContainerStatus)
	if statuses[0] != events.StatusStopping {
		t.Errorf("stop status = %v", statuses)
	}
	_, statuses = readUntil(t, conn, events.ContainerStatus)
	if statuses[0] != events.StatusStopped {
		t.Errorf("stop status = %v", statuses)
	}
	if len(rt.Containers()) != 0 {
		t.Error("container not removed after stop")
	}
}

func TestSandboxSocket_ReconnectReusesContainer(t *testing.T) {
	rt, srv := setupSandbox(t)

	first := dialSandbox(t, srv, "user_t2")
	readInfo(t, first)
	send(t, first, events.CreateContainer, nil)
	readUntil(t, first, events.ContainerReady)
	first.Close(websocket.StatusNormalClosure, "")

	s, _ := Lifecycle.Registry().Get("user_t2")
	waitUntil(t, "disconnect", func() bool { return s.Snapshot().ClientID == "" })
	if len(rt.Containers()) != 1 {
		t.Fatal("disconnect removed the container")
	}

	second := dialSandbox(t, srv, "user_t2")
	readInfo(t, second)
	send(t, second, events.CheckContainer, nil)
	_, statuses := readUntil(t, second, events.ContainerReady)
	if statuses[len(statuses)-1] != events.StatusRunning {
		t.Errorf("reconnect statuses = %v", statuses)
	}
	if rt.CallCount("create") != 1 {
		t.Error("reconnect created a new container")
	}
	second.Close(websocket.StatusNormalClosure, "")

	third := dialSandbox(t, srv, "user_t2")
	if info := readInfo(t, third); info.Reconnections != 1 {
		t.Errorf("reconnections = %d, want 1", info.Reconnections)
	}
}

func TestSandboxSocket_StopHonoredAfterInputBurst(t *testing.T) {
	rt, srv := setupSandbox(t)
	conn := dialSandbox(t, srv, "user_t7")
	readInfo(t, conn)
	send(t, conn, events.CreateContainer, nil)
	readUntil(t, conn, events.ContainerReady)

	for i := 0; i < 250; i++ {
		send(t, conn, events.TerminalInput, "x")
	}
	send(t, conn, events.StopContainer, nil)

	_, statuses := readUntil(t, conn, events.ContainerStatus)
	if statuses[0] != events.StatusStopping {
		t.Fatalf("status = %v, want stopping", statuses)
	}
	if _, statuses = readUntil(t, conn, events.ContainerStatus); statuses[0] != events.StatusStopped {
		t.Fatalf("status = %v, want stopped", statuses)
	}
	if len(rt.Containers()) != 0 {
		t.Error("stop after an input burst left the container running")
	}

	send(t, conn, events.CheckContainer, nil)
	if _, statuses = readUntil(t, conn, events.ContainerStatus); statuses[0] != events.StatusNone {
		t.Errorf("check status = %v, want none", statuses)
	}
}

func TestSandboxSocket_RefusesRequestsBeyondQueue(t *testing.T) {
	rt, srv := setupSandbox(t)
	release := make(chan struct{})
	var once sync.Once
	rt.OnCreate = func(context.Context) { <-release }

	conn := dialSandbox(t, srv, "user_t8")
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	readInfo(t, conn)

	for i := 0; i < opQueueSize+4; i++ {
		send(t, conn, events.CreateContainer, nil)
	}

	env, statuses := readUntil(t, conn, events.ContainerError)
	var msg string
	json.Unmarshal(env.Data, &msg)
	if msg != busyMessage {
		t.Errorf("container-error = %q, want %q", msg, busyMessage)
	}
	if len(statuses) == 0 || statuses[len(statuses)-1] != events.StatusError {
		t.Errorf("statuses = %v, want trailing error", statuses)
	}
	env, _ = readUntil(t, conn, events.ContainerOutput)
	var out string
	json.Unmarshal(env.Data, &out)
	if out != events.ErrorText(busyMessage) {
		t.Errorf("output = %q", out)
	}

	once.Do(func() { close(release) })
	readUntil(t, conn, events.ContainerReady)
}

func TestSandboxSocket_GeneratesIdentity(t *testing.T) {
	_, srv := setupSandbox(t)
	conn := dialSandbox(t, srv, "")
	info := readInfo(t, conn)
	if !strings.HasPrefix(info.PersistentID, "user_") {
		t.Errorf("generated id = %q", info.PersistentID)
	}
}

func TestSandboxSocket_DropsOversizedInput(t *testing.T) {
	rt, srv := setupSandbox(t)
	conn := dialSandbox(t, srv, "user_t3")
	readInfo(t, conn)
	send(t, conn, events.CreateContainer, nil)
	readUntil(t, conn, events.ContainerReady)

	send(t, conn, events.TerminalInput, strings.Repeat("a", 64*1024+1))
	send(t, conn, events.TerminalInput, "ok\n")
	shell := rt.ExecStreams()[0]
	waitUntil(t, "small input", func() bool { return strings.Contains(shell.Input(), "ok\n") })
	if shell.Input() != "ok\n" {
		t.Errorf("oversized input reached the shell (%d bytes)", len(shell.Input()))
	}
}

func TestSandboxSocket_IgnoresMalformedMessages(t *testing.T) {
	_, srv := setupSandbox(t)
	conn := dialSandbox(t, srv, "user_t4")
	readInfo(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn.Write(ctx, websocket.MessageText, []byte("{not json"))
	send(t, conn, "launch-missiles", nil)
	send(t, conn, events.TerminalInput, "nobody listening\n")

	send(t, conn, events.CheckContainer, nil)
	if _, statuses := readUntil(t, conn, events.ContainerStatus); statuses[0] != events.StatusNone {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestSandboxSocket_RejectsOverlongID(t *testing.T) {
	_, srv := setupSandbox(t)
	resp, err := http.Get(srv.URL + "/ws?persistentId=" + strings.Repeat("x", 200))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthCheck(t *testing.T) {
	_, srv := setupSandbox(t)
	conn := dialSandbox(t, srv, "user_t5")
	readInfo(t, conn)
	send(t, conn, events.CreateContainer, nil)
	readUntil(t, conn, events.ContainerReady)
	other := dialSandbox(t, srv, "user_t6")
	readInfo(t, other)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.ContainerCount != 1 || body.SessionCount != 2 || body.Runtime != "fake" {
		t.Errorf("health = %+v", body)
	}
	if _, err := time.Parse(time.RFC3339, body.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", body.Timestamp, err)
	}
	if body.Uptime < 0 {
		t.Errorf("uptime = %v", body.Uptime)
	}
}

func TestHealthCheck_WithoutManager(t *testing.T) {
	Lifecycle = nil
	rec := httptest.NewRecorder()
	HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("response = %d %s", rec.Code, rec.Body.String())
	}
}
