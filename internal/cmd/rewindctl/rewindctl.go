// Package rewindctl implements the operator command line for a running debugger.
package rewindctl

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/rewind/internal/platform/cmd"
	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/platform/i18n/catalog"
	"github.com/louisbranch/rewind/internal/platform/timeouts"
	"github.com/louisbranch/rewind/internal/services/debugger"
	"github.com/louisbranch/rewind/internal/services/debugger/auth"
	"github.com/louisbranch/rewind/internal/services/debugger/client"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"golang.org/x/text/message"
)

// Usage lists the supported commands.
const Usage = `usage: rewindctl [flags] <command> [args]

commands:
  status                         scheduler state
  step [count]                   deliver the next message (count times)
  drop                           discard the next message
  loop start|stop                run or stop continuous delivery
  queue                          list undelivered messages
  history [filter]               list delivered messages
  edit <index> <type> [body]     replace a queued payload
  revert <timestamp> [type body] rewind and resend a delivered message
  checkpoints                    list stored checkpoints
  sessions                       list sessions
  score                          score the live session
  publish <topic> <type> [body]  queue a broadcast
  send <agent> <type> [body]     queue a directed message
  agents                         list agents
  state <agent>                  show one agent's state
  topics                         list subscribed topics
  types                          list message types
  save                           persist the timeline
  watch [count]                  stream live events
  token <subject>                mint an operator token from REWIND_AUTH_SECRET`

// Config holds rewindctl configuration.
type Config struct {
	Addr    string        `env:"REWIND_ADDR"    envDefault:"localhost:8089"`
	Token   string        `env:"REWIND_TOKEN"`
	Locale  string        `env:"REWIND_LOCALE"`
	Timeout time.Duration `env:"REWIND_TIMEOUT" envDefault:"10s"`

	Auth auth.Config

	Command string
	Args    []string
}

// ParseConfig parses environment and flags into Config. The first positional
// argument is the command.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "debugger gRPC address")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "operator bearer token")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "locale for messages, e.g. pt-BR")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "timeout per operation")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return Config{}, errors.New(Usage)
	}
	cfg.Command = rest[0]
	cfg.Args = rest[1:]
	return cfg, nil
}

// Run executes one command against the debugger at cfg.Addr.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if cfg.Command == "token" {
		return mintToken(cfg, out)
	}
	if _, ok := commands[cfg.Command]; !ok {
		return fmt.Errorf("unknown command %q\n%s", cfg.Command, Usage)
	}

	callTimeout := cfg.Timeout
	if callTimeout <= 0 {
		callTimeout = timeouts.GRPCRequest
	}
	conn, err := client.Dial(ctx, client.Config{
		Addr:        cfg.Addr,
		Token:       cfg.Token,
		Locale:      cfg.Locale,
		DialTimeout: timeouts.GRPCDial,
		CallTimeout: callTimeout,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	return execute(ctx, conn, cfg, out)
}

// FormatError renders err for the terminal, localizing debugger errors.
func FormatError(err error, locale string) string {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return fmt.Sprintf("%s: %s", domainErr.Code, domainErr.Localize(locale))
	}
	return err.Error()
}

// operator is what commands need from the debugger connection.
type operator interface {
	debugger.Operator
	Watch(ctx context.Context, fn func(debugger.FeedEvent) error) error
}

type command func(ctx context.Context, op operator, args []string, w *writer) error

var commands = map[string]command{
	"status":      statusCmd,
	"step":        stepCmd,
	"drop":        dropCmd,
	"loop":        loopCmd,
	"queue":       queueCmd,
	"history":     historyCmd,
	"edit":        editCmd,
	"revert":      revertCmd,
	"checkpoints": checkpointsCmd,
	"sessions":    sessionsCmd,
	"score":       scoreCmd,
	"publish":     publishCmd,
	"send":        sendCmd,
	"agents":      agentsCmd,
	"state":       stateCmd,
	"topics":      topicsCmd,
	"types":       typesCmd,
	"save":        saveCmd,
	"watch":       watchCmd,
}

func execute(ctx context.Context, op operator, cfg Config, out io.Writer) error {
	cmd, ok := commands[cfg.Command]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", cfg.Command, Usage)
	}
	return cmd(ctx, op, cfg.Args, &writer{out: out, locale: cfg.Locale, printer: catalog.Default().Printer(cfg.Locale)})
}

type writer struct {
	out     io.Writer
	locale  string
	printer *message.Printer
}

func (w *writer) say(key message.Reference, args ...any) error {
	_, err := w.printer.Fprintf(w.out, key, args...)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w.out, "\n")
	return err
}

func (w *writer) json(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd(ctx context.Context, op operator, _ []string, w *writer) error {
	st, err := op.Status(ctx)
	if err != nil {
		return err
	}
	return w.json(st)
}

func stepCmd(ctx context.Context, op operator, args []string, w *writer) error {
	count, err := optionalCount(args, 1)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		delivered, err := op.Step(ctx)
		if err != nil {
			return err
		}
		if !delivered {
			return w.say("ui.step.empty")
		}
		if err := w.say("ui.step.delivered"); err != nil {
			return err
		}
	}
	return nil
}

func dropCmd(ctx context.Context, op operator, _ []string, w *writer) error {
	dropped, err := op.DropNext(ctx)
	if err != nil {
		return err
	}
	if !dropped {
		return w.say("ui.step.empty")
	}
	return w.say("ui.step.dropped")
}

func loopCmd(ctx context.Context, op operator, args []string, w *writer) error {
	if len(args) != 1 {
		return errors.New("usage: loop start|stop")
	}
	switch args[0] {
	case "start":
		if err := op.StartLoop(ctx); err != nil {
			return err
		}
		return w.say("ui.loop.started")
	case "stop":
		if err := op.StopLoop(ctx); err != nil {
			return err
		}
		return w.say("ui.loop.stopped")
	default:
		return errors.New("usage: loop start|stop")
	}
}

func queueCmd(ctx context.Context, op operator, _ []string, w *writer) error {
	pending, err := op.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return w.say("ui.queue.empty")
	}
	return w.json(pending)
}

func historyCmd(ctx context.Context, op operator, args []string, w *writer) error {
	history, err := op.History(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return w.say("ui.history.empty")
	}
	return w.json(history)
}

func editCmd(ctx context.Context, op operator, args []string, w *writer) error {
	if len(args) < 2 {
		return errors.New("usage: edit <index> <type> [body]")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("index %q is not a number", args[0])
	}
	payload, err := parsePayload(args[1:])
	if err != nil {
		return err
	}
	if err := op.EditPending(ctx, index, payload); err != nil {
		return err
	}
	return w.say("ui.edit.done", index)
}

func revertCmd(ctx context.Context, op operator, args []string, w *writer) error {
	if len(args) < 1 {
		return errors.New("usage: revert <timestamp> [type body]")
	}
	cutoff, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q is not a number", args[0])
	}
	var replacement *envelope.Payload
	if len(args) > 1 {
		payload, err := parsePayload(args[1:])
		if err != nil {
			return err
		}
		replacement = &payload
	}
	view, err := op.Revert(ctx, cutoff, replacement)
	if err != nil {
		return err
	}
	if err := w.say("ui.revert.done", view.Cutoff, view.Discarded); err != nil {
		return err
	}
	if view.Restored {
		if err := w.say("ui.revert.restored", view.Session+1); err != nil {
			return err
		}
	}
	for _, warning := range view.Warnings {
		msg := (&apperrors.Error{Code: warning.Code, Message: warning.Message, Metadata: warning.Metadata}).Localize(w.locale)
		if err := w.say("ui.revert.warning", msg); err != nil {
			return err
		}
	}
	return nil
}

func checkpointsCmd(ctx context.Context, op operator, _ []string, w *writer) error {
	entries, err := op.Checkpoints(ctx)
	if err != nil {
		return err
	}
	return w.json(entries)
}

func sessionsCmd(ctx context.Context, op operator, _ []string, w *writer) error {
	view, err := op.Sessions(ctx)
	if err != nil {
		return err
	}
	return w.json(view)
}

func scoreCmd(ctx context.Context, op operator, _ []string, w *writer) error {
	res, err := op.Score(ctx)
	if err != nil {
		return err
	}
	switch {
	case res == nil:
		return w.say("ui.score.none")
	case res.Passed:
		return w.say("ui.score.passed")
	default:
		return w.say("ui.score.failed", optional(res.FirstTimestamp), optional(res.Expected), optional(res.Actual))
	}
}

func publishCmd(ctx context.Context, op operator, args []string, w *writer) error {
	if len(args) < 2 {
		return errors.New("usage: publish <topic> <type> [body]")
	}
	payload, err := parsePayload(args[1:])
	if err != nil {
		return err
	}
	if err := op.Publish(ctx, args[0], payload); err != nil {
		return err
	}
	return w.say("ui.publish.done", args[0])
}

func sendCmd(ctx context.Context, op operator, args []string, w *writer) error {
	if len(args) < 2 {
		return errors.New("usage: send <agent> <type> [body]")
	}
	payload, err := parsePayload(args[1:])
	if err != nil {
		return err
	}
	if err := op.Send(ctx, args[0], payload); err != nil {
		return err
	}
	return w.say("ui.send.done", args[0])
}

func agentsCmd(ctx context.Context, op operator, _ []string, w *writer) error {
	agents, err := op.Agents(ctx)
	if err != nil {
		return err
	}
	return w.json(agents)
}

func stateCmd(ctx context.Context, op operator, args []string, w *writer) error {
	if len(args) != 1 {
		return errors.New("usage: state <agent>")
	}
	view, err := op.AgentState(ctx, args[0])
	if err != nil {
		return err
	}
	return w.json(view)
}

func topicsCmd(ctx context.Context, op operator, _ []string, w *writer) error {
	topics, err := op.Topics(ctx)
	if err != nil {
		return err
	}
	return w.json(topics)
}

func typesCmd(ctx context.Context, op operator, _ []string, w *writer) error {
	types, err := op.MessageTypes(ctx)
	if err != nil {
		return err
	}
	return w.json(types)
}

func saveCmd(ctx context.Context, op operator, _ []string, w *writer) error {
	if err := op.Save(ctx); err != nil {
		return err
	}
	return w.say("ui.save.done")
}

// errWatchDone ends a bounded watch.
var errWatchDone = errors.New("watch done")

func watchCmd(ctx context.Context, op operator, args []string, w *writer) error {
	limit, err := optionalCount(args, 0)
	if err != nil {
		return err
	}
	seen := 0
	err = op.Watch(ctx, func(ev debugger.FeedEvent) error {
		if ev.Type == debugger.FeedReady {
			return nil
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w.out, string(line)); err != nil {
			return err
		}
		seen++
		if limit > 0 && seen >= limit {
			return errWatchDone
		}
		return nil
	})
	if errors.Is(err, errWatchDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func mintToken(cfg Config, out io.Writer) error {
	if len(cfg.Args) != 1 {
		return errors.New("usage: token <subject>")
	}
	token, err := auth.New(cfg.Auth).Mint(cfg.Args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// parsePayload reads "<type> [json body]".
func parsePayload(args []string) (envelope.Payload, error) {
	messageType := strings.TrimSpace(args[0])
	if messageType == "" {
		return envelope.Payload{}, errors.New("message type is required")
	}
	payload := envelope.Payload{Type: messageType}
	if len(args) > 1 {
		body := strings.Join(args[1:], " ")
		if !json.Valid([]byte(body)) {
			return envelope.Payload{}, fmt.Errorf("body is not valid JSON: %s", body)
		}
		payload.Body = json.RawMessage(body)
	}
	return payload, nil
}

func optionalCount(args []string, fallback int) (int, error) {
	if len(args) == 0 {
		return fallback, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("count %q must be a non-negative number", args[0])
	}
	return n, nil
}

func optional[T any](v *T) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}
