package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mossy-p/webrtc-chat/internal/chat"
	"github.com/mossy-p/webrtc-chat/internal/models"
)

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create a room and wait for someone to join",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd, func(ctx context.Context, c *chat.Client) (string, error) {
			return c.CreateRoom(ctx)
		})
	},
}

var joinCmd = &cobra.Command{
	Use:     "join <room-code>",
	Aliases: []string{"j"},
	Short:   "Join a room by its six-character code",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code := normalizeCode(args[0])
		if !models.IsValidRoomCode(code) {
			return fmt.Errorf("%q is not a room code: expected %d letters or digits", args[0], models.RoomCodeLength)
		}
		return runSession(cmd, func(ctx context.Context, c *chat.Client) (string, error) {
			return code, c.JoinRoom(ctx, code)
		})
	},
}

func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func runSession(cmd *cobra.Command, enter func(context.Context, *chat.Client) (string, error)) error {
	ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	roomID, err := enter(ctx, a.client)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Room %s. Share the code; type /help for commands.\n", roomID)

	t := &terminal{client: a.client, roomID: roomID, out: out}
	return t.run(ctx, cmd.InOrStdin())
}

// terminal drives a chat client from text lines.
type terminal struct {
	client *chat.Client
	roomID string
	out    io.Writer
}

func (t *terminal) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-t.client.Events():
			t.printEvent(ev)

		case line, ok := <-lines:
			if !ok {
				return t.client.Leave(ctx)
			}
			if quit := t.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the session should end.
func (t *terminal) handle(ctx context.Context, line string) bool {
	name, arg, isCommand := parseLine(line)
	if !isCommand {
		if strings.TrimSpace(line) != "" {
			t.send(ctx, line)
		}
		return false
	}

	switch name {
	case "leave", "quit":
		if err := t.client.Leave(ctx); err != nil {
			fmt.Fprintln(t.out, "leave:", err)
		}
		return true
	case "resend":
		if arg == "" {
			fmt.Fprintln(t.out, "usage: /resend <message-id>")
			return false
		}
		msg, err := t.client.Resend(ctx, arg)
		t.reportSend(msg, err)
	case "history":
		t.printHistory(ctx)
	case "stats":
		t.printStats(ctx)
	case "clear":
		if err := t.client.ClearHistory(ctx, t.roomID); err != nil {
			fmt.Fprintln(t.out, "clear:", err)
		}
	case "state":
		fmt.Fprintln(t.out, "state:", t.client.State())
	case "help":
		fmt.Fprintln(t.out, "/history  /stats  /state  /clear  /resend <id>  /leave")
	default:
		fmt.Fprintf(t.out, "unknown command /%s (try /help)\n", name)
	}
	return false
}

func (t *terminal) send(ctx context.Context, text string) {
	msg, err := t.client.Send(ctx, text)
	t.reportSend(msg, err)
}

func (t *terminal) reportSend(msg models.ChatMessage, err error) {
	var limited *chat.RateLimitError
	switch {
	case err == nil:
	case errors.As(err, &limited):
		fmt.Fprintf(t.out, "slow down: try again in %s\n", limited.RetryAfter.Round(time.Second))
	case errors.Is(err, chat.ErrSendFailed):
		fmt.Fprintf(t.out, "not delivered (peer not connected); /resend %s\n", msg.ID)
	default:
		fmt.Fprintln(t.out, "send:", err)
	}
}

func (t *terminal) printEvent(ev chat.Event) {
	switch ev.Kind {
	case chat.EventStateChanged:
		fmt.Fprintln(t.out, "*", ev.State)
	case chat.EventMessageReceived:
		fmt.Fprintf(t.out, "[%s] %s: %s\n", ev.Message.Timestamp.Format("15:04"), shortID(ev.Message.SenderID), ev.Message.Content)
	case chat.EventError:
		fmt.Fprintln(t.out, "! error:", ev.Err)
	}
}

func (t *terminal) printHistory(ctx context.Context) {
	snapCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	history, ok := <-t.client.Messages(snapCtx, t.roomID)
	if !ok {
		return
	}
	if len(history) == 0 {
		fmt.Fprintln(t.out, "no messages yet")
	}
	for _, m := range history {
		who := shortID(m.SenderID)
		if m.Local {
			who = "you"
		}
		fmt.Fprintf(t.out, "%s %-8s %s: %s\n", m.Timestamp.Format("15:04:05"), m.Status, who, m.Content)
		if m.Status == models.StatusFailed {
			fmt.Fprintf(t.out, "         (id %s)\n", m.ID)
		}
	}
}

func (t *terminal) printStats(ctx context.Context) {
	st, err := t.client.Stats(ctx, t.roomID)
	if err != nil {
		fmt.Fprintln(t.out, "stats:", err)
		return
	}
	fmt.Fprintf(t.out, "%d messages, %d sent by you in the current window\n", st.Total, st.SentInWindow)
	if st.Last != nil {
		fmt.Fprintf(t.out, "last: %s at %s\n", shortID(st.Last.SenderID), st.Last.Timestamp.Format(time.Kitchen))
	}
}

// parseLine splits "/name arg" into its parts; other lines are chat text.
func parseLine(line string) (name, arg string, isCommand bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || len(line) == 1 {
		return "", "", false
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
