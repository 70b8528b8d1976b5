package cli

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/mcoot/masquerade-go/internal/model"
	"github.com/mcoot/masquerade-go/internal/transport/protocol"
	"github.com/mcoot/masquerade-go/internal/transport/ws"
)

const (
	welcomeTimeout = 10 * time.Second
	closeTimeout   = 2 * time.Second
)

const playHelp = `Commands:
  ready               Mark yourself ready
  unready             Clear your ready flag
  draw <file|data>    Submit a drawing (files are sent as data URLs)
  say <text>          Send a chat message to the session
  ids                 List live session ids
  create              Create a new session
  join <id>           Join a session
  leave               Leave the current session
  phase <name>        Force a phase (when the server allows it)
  ping                Round trip to the server
  help                Show this help
  quit                Disconnect cleanly`

type playOptions struct {
	Name      string
	SessionID string
	Create    bool
	Ready     bool
	Fresh     bool
}

func newPlayCmd() *cobra.Command {
	var opts playOptions

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play a session over the WebSocket game hub",
		Long: `Connect to the game hub, optionally join a session, then read commands
from stdin while printing every event the server sends.

The identity issued on first connect is saved to the identity file, so a
later run with the same file resumes the held seat after a dropped
connection.

` + playHelp,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return play(opts, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "Player name (required)")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "Session id to join after connecting")
	cmd.Flags().BoolVar(&opts.Create, "create", false, "Create a new session and join it")
	cmd.Flags().BoolVar(&opts.Ready, "ready", false, "Mark ready after joining")
	cmd.Flags().BoolVar(&opts.Fresh, "fresh", false, "Ignore the saved identity")
	_ = cmd.MarkFlagRequired("name")
	cmd.MarkFlagsMutuallyExclusive("session", "create")

	return cmd
}

// hubURL converts the server base URL into the game hub URL
func hubURL(server, name string, id *Identity) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + ws.Path

	q := url.Values{"username": {name}}
	if id != nil {
		q.Set("playerId", id.PlayerID)
		q.Set("token", id.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func play(opts playOptions, stdin io.Reader) error {
	out := NewOutput(cfg.Output)

	var id *Identity
	if !opts.Fresh {
		var err error
		if id, err = cfg.LoadIdentity(); err != nil {
			return fmt.Errorf("failed to read identity file: %w", err)
		}
	}

	target, err := hubURL(cfg.ServerURL, opts.Name, id)
	if err != nil {
		return err
	}

	// Set up cancellation
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return handshakeError(resp, err)
	}
	defer func() { _ = conn.Close() }()

	h := newHubConn(conn, out)
	go h.readLoop()

	var welcome model.WelcomePayload
	select {
	case welcome = <-h.welcome:
	case <-h.done:
		return fmt.Errorf("connection closed before welcome: %w", h.err)
	case <-time.After(welcomeTimeout):
		return errors.New("timed out waiting for welcome")
	}

	if welcome.Token != "" {
		if err := cfg.SaveIdentity(Identity{PlayerID: string(welcome.PlayerID), Token: welcome.Token}); err != nil {
			out.PrintError(fmt.Errorf("failed to save identity: %w", err))
		}
	}

	if err := h.start(ctx, opts, welcome); err != nil {
		h.close()
		return err
	}

	if cfg.Output != "json" {
		fmt.Println("Type 'help' for commands")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.close()
			return nil
		case <-h.done:
			if websocket.IsCloseError(h.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				out.PrintMessage("Server closed the connection")
				return nil
			}
			return fmt.Errorf("connection lost: %w", h.err)
		case line, ok := <-lines:
			if !ok {
				h.close()
				return nil
			}
			quit, err := h.command(ctx, line)
			if err != nil {
				out.PrintError(err)
			}
			if quit {
				h.close()
				return nil
			}
		}
	}
}

// handshakeError surfaces the API error body of a rejected upgrade
func handshakeError(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Code != "" {
		return fmt.Errorf("connection rejected: %s", errResp.Error.String())
	}
	return fmt.Errorf("connection rejected: HTTP %d", resp.StatusCode)
}

// hubConn multiplexes calls over one socket. Only the command loop writes
// data frames; the read loop routes completions back to the waiting call.
type hubConn struct {
	conn    *websocket.Conn
	out     *Output
	welcome chan model.WelcomePayload
	done    chan struct{}
	err     error

	mu      sync.Mutex
	waiting map[string]chan protocol.CompletionPayload
}

func newHubConn(conn *websocket.Conn, out *Output) *hubConn {
	return &hubConn{
		conn:    conn,
		out:     out,
		welcome: make(chan model.WelcomePayload, 1),
		done:    make(chan struct{}),
		waiting: make(map[string]chan protocol.CompletionPayload),
	}
}

func (h *hubConn) readLoop() {
	defer close(h.done)
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			h.err = err
			return
		}

		frame, err := protocol.DecodeEvent(data)
		if err != nil {
			if cfg.Verbose {
				h.out.PrintError(err)
			}
			continue
		}

		switch frame.Event {
		case model.EventWelcome:
			var w model.WelcomePayload
			if json.Unmarshal(frame.Data, &w) == nil {
				select {
				case h.welcome <- w:
				default:
				}
			}
		case model.EventCompletion:
			var c protocol.CompletionPayload
			if json.Unmarshal(frame.Data, &c) == nil && h.deliver(c) {
				if cfg.Verbose {
					printFrame(frame, data)
				}
				continue
			}
		}

		printFrame(frame, data)
	}
}

func (h *hubConn) deliver(c protocol.CompletionPayload) bool {
	h.mu.Lock()
	ch, ok := h.waiting[c.ID]
	delete(h.waiting, c.ID)
	h.mu.Unlock()

	if ok {
		ch <- c
	}
	return ok
}

func (h *hubConn) forget(id string) {
	h.mu.Lock()
	delete(h.waiting, id)
	h.mu.Unlock()
}

// call sends one invocation and waits for its completion
func (h *hubConn) call(ctx context.Context, name protocol.Call, args any) (json.RawMessage, error) {
	id := uuid.NewString()
	data, err := protocol.EncodeCall(id, name, args)
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.CompletionPayload, 1)
	h.mu.Lock()
	h.waiting[id] = ch
	h.mu.Unlock()

	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.forget(id)
		return nil, fmt.Errorf("send %s: %w", name, err)
	}

	select {
	case c := <-ch:
		if !c.OK {
			if c.Error != nil {
				return nil, fmt.Errorf("%s: %s (%s)", name, c.Error.Message, c.Error.Code)
			}
			return nil, fmt.Errorf("%s failed", name)
		}
		return c.Result, nil
	case <-h.done:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		h.forget(id)
		return nil, ctx.Err()
	}
}

// start performs the join the flags asked for
func (h *hubConn) start(ctx context.Context, opts playOptions, welcome model.WelcomePayload) error {
	if welcome.Resumed && welcome.SessionID != "" {
		h.out.PrintMessage(fmt.Sprintf("Resumed seat in session %s", welcome.SessionID))
	}

	sessionID := model.SessionID(opts.SessionID)
	if opts.Create {
		created, err := h.create(ctx)
		if err != nil {
			return err
		}
		sessionID = created
	}

	if sessionID != "" && sessionID != welcome.SessionID {
		if _, err := h.call(ctx, protocol.CallJoinGame, protocol.JoinGameArgs{SessionID: sessionID}); err != nil {
			return err
		}
	}

	if opts.Ready {
		if _, err := h.call(ctx, protocol.CallSetReady, protocol.SetReadyArgs{Ready: true}); err != nil {
			return err
		}
	}
	return nil
}

func (h *hubConn) create(ctx context.Context) (model.SessionID, error) {
	raw, err := h.call(ctx, protocol.CallCreateGame, nil)
	if err != nil {
		return "", err
	}
	var result protocol.CreateGameResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to parse CreateGame result: %w", err)
	}
	h.out.PrintMessage(fmt.Sprintf("Created session %s", result.SessionID))
	return result.SessionID, nil
}

// command runs one stdin line. It reports whether the user asked to quit.
func (h *hubConn) command(ctx context.Context, line string) (bool, error) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch strings.ToLower(verb) {
	case "":
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Println(playHelp)
	case "ready":
		_, err = h.call(ctx, protocol.CallSetReady, protocol.SetReadyArgs{Ready: true})
	case "unready":
		_, err = h.call(ctx, protocol.CallSetReady, protocol.SetReadyArgs{Ready: false})
	case "draw":
		var drawing string
		if drawing, err = encodeDrawing(arg); err == nil {
			_, err = h.call(ctx, protocol.CallDrawingReady, protocol.DrawingReadyArgs{EncodedDrawing: drawing})
		}
	case "say":
		_, err = h.call(ctx, protocol.CallSendMessage, protocol.SendMessageArgs{Text: arg})
	case "ids":
		_, err = h.call(ctx, protocol.CallGetAllGameIds, nil)
	case "create":
		_, err = h.create(ctx)
	case "join":
		if arg == "" {
			return false, errors.New("usage: join <id>")
		}
		_, err = h.call(ctx, protocol.CallJoinGame, protocol.JoinGameArgs{SessionID: model.SessionID(arg)})
	case "leave":
		_, err = h.call(ctx, protocol.CallLeaveGame, nil)
	case "phase":
		if arg == "" {
			return false, errors.New("usage: phase <name>")
		}
		_, err = h.call(ctx, protocol.CallPhaseChanged, protocol.PhaseChangedArgs{Phase: arg})
	case "ping":
		var raw json.RawMessage
		if raw, err = h.call(ctx, protocol.CallPing, nil); err == nil {
			var result protocol.PingResult
			if json.Unmarshal(raw, &result) == nil {
				h.out.PrintMessage(fmt.Sprintf("Pong (server time %s)", result.At.Format(time.RFC3339)))
			}
		}
	default:
		err = fmt.Errorf("unknown command %q, type 'help' for commands", verb)
	}
	return false, err
}

// close sends a normal close frame so the server releases the seat
// immediately, then waits briefly for the server's reply
func (h *hubConn) close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := h.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return
	}
	select {
	case <-h.done:
	case <-time.After(closeTimeout):
	}
}

// encodeDrawing sends files as data URLs and anything else verbatim
func encodeDrawing(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("usage: draw <file|data>")
	}
	info, err := os.Stat(arg)
	if err != nil || info.IsDir() {
		return arg, nil
	}

	data, err := os.ReadFile(arg)
	if err != nil {
		return "", fmt.Errorf("failed to read drawing: %w", err)
	}
	mime, _, _ := strings.Cut(http.DetectContentType(data), ";")
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
