package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/m1theusr/k8s-easy-start-lab/internal/events"
	"github.com/m1theusr/k8s-easy-start-lab/internal/lifecycle"
	"github.com/m1theusr/k8s-easy-start-lab/internal/logutil"
	"github.com/m1theusr/k8s-easy-start-lab/internal/terminal"
)

const (
	maxPersistentIDLen = 128
	writeTimeout       = 10 * time.Second
	// opQueueSize bounds the lifecycle requests a connection may have
	// pending. A request arriving on a full queue is refused with an error
	// status so the client can retry.
	opQueueSize = 8
	busyMessage = "too many pending requests, try again"
)

// Lifecycle is set from main.go during init.
var Lifecycle *lifecycle.Manager

// wsClient is the events.Emitter of one WebSocket connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	ctx  context.Context
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Emit(event string, payload any) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, events.Message{Event: event, Data: payload})
}

// SandboxSocket serves the event protocol of one browser tab.
//
// Query parameters:
//   - persistentId: the client's stable identity. Connections presenting the
//     same id share one session and its sandbox. When omitted, a fresh id is
//     generated and returned in the session-info event.
//
// Lifecycle requests (check, create, stop) from one connection run in
// arrival order on a per-connection worker so the read loop keeps relaying
// terminal input meanwhile. They are not canceled when the socket closes:
// the sandbox outlives the connection until reconnect, stop or expiry.
// Only terminal input and resize frames are rate limited.
func SandboxSocket(w http.ResponseWriter, r *http.Request) {
	mgr := Lifecycle
	if mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager not initialized")
		return
	}

	persistentID := strings.TrimSpace(r.URL.Query().Get("persistentId"))
	if persistentID == "" {
		persistentID = "user_" + uuid.New().String()
	}
	if len(persistentID) > maxPersistentIDLen || !utf8.ValidString(persistentID) {
		writeError(w, http.StatusBadRequest, "invalid persistentId")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[socket] accept failed: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(2 * terminal.MaxInputMessageSize)

	ctx := r.Context()
	client := &wsClient{id: uuid.New().String(), conn: conn, ctx: ctx}
	safeID := logutil.ShortID(persistentID)

	sess, created := mgr.Registry().GetOrCreate(persistentID)
	sess.SetClient(client)
	mgr.Registry().Touch(persistentID)
	if created {
		log.Printf("[socket] new session %s (conn %s)", safeID, logutil.ShortID(client.id))
	} else {
		log.Printf("[socket] session %s rejoined (conn %s)", safeID, logutil.ShortID(client.id))
	}

	info := events.Info{PersistentID: persistentID, Reconnections: sess.Snapshot().Reconnections}
	if err := client.Emit(events.SessionInfo, info); err != nil {
		return
	}

	ops := make(chan func(context.Context), opQueueSize)
	go func() {
		// Lifecycle work must survive the socket.
		opCtx := context.WithoutCancel(ctx)
		for op := range ops {
			op(opCtx)
		}
	}()
	defer func() {
		close(ops)
		mgr.Disconnect(persistentID, client.id)
		log.Printf("[socket] session %s disconnected (conn %s)", safeID, logutil.ShortID(client.id))
	}()

	enqueue := func(name string, op func(context.Context)) {
		select {
		case ops <- op:
		default:
			log.Printf("[socket] session %s: %s refused, too many pending requests", safeID, name)
			refuse(client, busyMessage)
		}
	}

	limiter := rate.NewLimiter(rate.Limit(terminal.MessageRateLimit), terminal.MessageRateBurst)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Printf("[socket] session %s read: %v", safeID, err)
			}
			return
		}
		var msg events.Envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		mgr.Registry().Touch(persistentID)

		switch msg.Event {
		case events.CheckContainer:
			enqueue(msg.Event, func(ctx context.Context) { mgr.Reconnect(ctx, persistentID, client) })
		case events.CreateContainer:
			enqueue(msg.Event, func(ctx context.Context) { mgr.Create(ctx, persistentID, client) })
		case events.StopContainer:
			enqueue(msg.Event, func(ctx context.Context) { mgr.Stop(ctx, persistentID, client) })
		case events.TerminalInput:
			if limiter.Allow() {
				handleInput(mgr, persistentID, msg.Data)
			}
		case events.TerminalResize:
			if limiter.Allow() {
				handleResize(mgr, persistentID, msg.Data)
			}
		default:
			log.Printf("[socket] session %s: unknown event %q", safeID, logutil.SanitizeForLog(msg.Event))
		}
	}
}

// refuse reports a lifecycle request that was not accepted.
func refuse(client *wsClient, msg string) {
	client.Emit(events.ContainerStatus, events.StatusError)
	client.Emit(events.ContainerError, msg)
	client.Emit(events.ContainerOutput, events.ErrorText(msg))
}

// handleInput forwards keystrokes to the shell. Input without an attached
// shell, or larger than MaxInputMessageSize, is dropped.
func handleInput(mgr *lifecycle.Manager, id string, raw json.RawMessage) {
	var data string
	if err := json.Unmarshal(raw, &data); err != nil || data == "" {
		return
	}
	if len(data) > terminal.MaxInputMessageSize {
		return
	}
	if err := mgr.Input(id, []byte(data)); err != nil && !errors.Is(err, lifecycle.ErrNoShell) {
		log.Printf("[socket] session %s input: %v", logutil.ShortID(id), err)
	}
}

func handleResize(mgr *lifecycle.Manager, id string, raw json.RawMessage) {
	var size events.Resize
	if err := json.Unmarshal(raw, &size); err != nil {
		return
	}
	cols, rows, ok := terminal.ClampSize(size.Cols, size.Rows)
	if !ok {
		return
	}
	if err := mgr.Resize(id, cols, rows); err != nil && !errors.Is(err, lifecycle.ErrNoShell) {
		log.Printf("[socket] session %s resize: %v", logutil.ShortID(id), err)
	}
}
