package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/carterjones/signalr-tester"
	"github.com/carterjones/signalr-tester/internal/args"
	"github.com/carterjones/signalr-tester/internal/session"
	"github.com/pkg/errors"
)

var (
	ErrUnknownCommand = errors.New("unknown command, type help for the list")
	ErrUsage          = errors.New("usage")
	ErrIndex          = errors.New("no entry with that number")
)

// Result is the outcome of one shell command.
type Result struct {
	Output string
	Quit   bool
}

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, sh *Shell, rest string) (Result, error)
}

// Shell runs text commands against a session.
type Shell struct {
	s        *session.Session
	commands map[string]command
	order    []string
}

// NewShell returns a shell driving s.
func NewShell(s *session.Session) *Shell {
	sh := &Shell{s: s, commands: make(map[string]command)}

	sh.add("connect", "connect [url]", "connect to the hub, optionally setting its url first", cmdConnect)
	sh.add("disconnect", "disconnect", "stop the connection", cmdDisconnect)
	sh.add("set", "set url|token|use-token|transport|credentials|skip <value>", "change a connection setting", cmdSet)
	sh.add("method", "method <name>", "set the server method to invoke", cmdMethod)
	sh.add("arg", "arg add [type] [value] | rm <n> | type <n> <type> | set <n> <value>", "edit the invocation arguments", cmdArg)
	sh.add("args", "args", "list the invocation arguments", cmdArgs)
	sh.add("send", "send [method]", "invoke the method with the arguments", cmdSend)
	sh.add("listen", "listen <method>", "listen for pushes of a client method", cmdListen)
	sh.add("unlisten", "unlisten <method>", "stop listening for a client method", cmdUnlisten)
	sh.add("listeners", "listeners", "list the client methods listened to", cmdListeners)
	sh.add("history", "history [use|rm <n>]", "list, reuse or delete recent connections", cmdHistory)
	sh.add("methods", "methods [use|rm <n>|clear]", "list, reuse or delete recent methods of this hub", cmdMethods)
	sh.add("clear", "clear", "clear the request/response log", cmdClear)
	sh.add("status", "status", "show the connection settings and state", cmdStatus)
	sh.add("help", "help", "show this list", cmdHelp)
	sh.add("quit", "quit", "disconnect and exit", cmdQuit)

	return sh
}

func (sh *Shell) add(name, usage, help string, run func(context.Context, *Shell, string) (Result, error)) {
	sh.commands[name] = command{usage: usage, help: help, run: run}
	sh.order = append(sh.order, name)
}

// Exec runs one command line. Blank lines and lines starting with # do
// nothing.
func (sh *Shell) Exec(ctx context.Context, line string) (Result, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Result{}, nil
	}

	name, rest := cut(line)
	c, ok := sh.commands[strings.ToLower(name)]
	if !ok {
		return Result{}, errors.Wrap(ErrUnknownCommand, name)
	}

	res, err := c.run(ctx, sh, rest)
	if errors.Is(err, ErrUsage) {
		return res, errors.Errorf("usage: %s", c.usage)
	}

	return res, err
}

// Help lists the commands.
func (sh *Shell) Help() string {
	var b strings.Builder
	for _, name := range sh.order {
		c := sh.commands[name]
		fmt.Fprintf(&b, "  %-64s %s\n", c.usage, c.help)
	}

	return strings.TrimRight(b.String(), "\n")
}

// cut splits off the first word. rest keeps its inner spacing.
func cut(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}

	return s[:i], strings.TrimSpace(s[i+1:])
}

// index parses a 1-based list position.
func index(s string, n int) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 1 || i > n {
		return 0, ErrIndex
	}

	return i - 1, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0":
		return false, nil
	default:
		return false, errors.Errorf("expected on or off, got %q", s)
	}
}

func cmdConnect(ctx context.Context, sh *Shell, rest string) (Result, error) {
	if rest != "" {
		sh.s.UpdateSettings(func(st *session.Settings) { st.HubURL = rest })
	}

	return Result{}, sh.s.Connect(ctx)
}

func cmdDisconnect(ctx context.Context, sh *Shell, _ string) (Result, error) {
	return Result{}, sh.s.Disconnect(ctx)
}

func cmdSet(_ context.Context, sh *Shell, rest string) (Result, error) {
	field, value := cut(rest)
	if field == "" {
		return Result{}, ErrUsage
	}

	switch strings.ToLower(field) {
	case "url":
		sh.s.UpdateSettings(func(st *session.Settings) { st.HubURL = value })
	case "token":
		sh.s.UpdateSettings(func(st *session.Settings) {
			st.Token = value
			st.UseToken = value != ""
		})
	case "use-token":
		on, err := parseBool(value)
		if err != nil {
			return Result{}, err
		}
		sh.s.UpdateSettings(func(st *session.Settings) { st.UseToken = on })
	case "transport":
		t, err := signalr.ParseTransport(value)
		if err != nil {
			return Result{}, err
		}
		sh.s.UpdateSettings(func(st *session.Settings) { st.SetTransport(t) })
	case "credentials":
		on, err := parseBool(value)
		if err != nil {
			return Result{}, err
		}
		sh.s.UpdateSettings(func(st *session.Settings) { st.WithCredentials = on })
	case "skip":
		on, err := parseBool(value)
		if err != nil {
			return Result{}, err
		}
		if err := sh.s.SetSkipNegotiation(on); err != nil {
			return Result{}, err
		}
	default:
		return Result{}, ErrUsage
	}

	return Result{Output: describeSettings(sh.s.Settings())}, nil
}

func cmdMethod(_ context.Context, sh *Shell, rest string) (Result, error) {
	if rest == "" {
		return Result{}, ErrUsage
	}
	sh.s.SetMethodName(rest)

	return Result{}, nil
}

func cmdArg(_ context.Context, sh *Shell, rest string) (Result, error) {
	action, rest := cut(rest)
	list := sh.s.Args()

	switch strings.ToLower(action) {
	case "add":
		a := args.Arg{Type: args.Text}
		if rest != "" {
			word, value := cut(rest)
			if t, err := args.ParseType(word); err == nil {
				a.Type, a.Value = t, value
			} else {
				a.Value = rest
			}
		}
		sh.s.AppendArg(a)

	case "rm":
		i, err := index(rest, len(list))
		if err != nil {
			return Result{}, err
		}
		sh.s.RemoveArg(list[i].ID)

	case "type":
		n, value := cut(rest)
		i, err := index(n, len(list))
		if err != nil {
			return Result{}, err
		}
		t, err := args.ParseType(value)
		if err != nil {
			return Result{}, err
		}
		if err := sh.s.SetArgType(list[i].ID, t); err != nil {
			return Result{}, err
		}

	case "set":
		n, value := cut(rest)
		i, err := index(n, len(list))
		if err != nil {
			return Result{}, err
		}
		if err := sh.s.SetArgValue(list[i].ID, value); err != nil {
			return Result{}, err
		}

	default:
		return Result{}, ErrUsage
	}

	return Result{Output: describeArgs(sh.s.Args())}, nil
}

func cmdArgs(_ context.Context, sh *Shell, _ string) (Result, error) {
	return Result{Output: describeArgs(sh.s.Args())}, nil
}

func cmdSend(ctx context.Context, sh *Shell, rest string) (Result, error) {
	if rest != "" {
		sh.s.SetMethodName(rest)
	}

	_, err := sh.s.Invoke(ctx)
	return Result{}, err
}

func cmdListen(_ context.Context, sh *Shell, rest string) (Result, error) {
	if rest == "" {
		return Result{}, ErrUsage
	}
	if err := sh.s.RegisterMethod(rest); err != nil {
		return Result{}, err
	}

	return Result{Output: describeListeners(sh.s.Listeners())}, nil
}

func cmdUnlisten(_ context.Context, sh *Shell, rest string) (Result, error) {
	if rest == "" {
		return Result{}, ErrUsage
	}
	sh.s.UnregisterMethod(rest)

	return Result{Output: describeListeners(sh.s.Listeners())}, nil
}

func cmdListeners(_ context.Context, sh *Shell, _ string) (Result, error) {
	return Result{Output: describeListeners(sh.s.Listeners())}, nil
}

func cmdHistory(ctx context.Context, sh *Shell, rest string) (Result, error) {
	action, n := cut(rest)
	list := sh.s.ConnectionHistory()

	switch strings.ToLower(action) {
	case "":
		return Result{Output: describeConnections(list)}, nil
	case "use":
		i, err := index(n, len(list))
		if err != nil {
			return Result{}, err
		}
		if err := sh.s.SelectConnection(ctx, list[i].URL); err != nil {
			return Result{}, err
		}
		return Result{Output: describeSettings(sh.s.Settings())}, nil
	case "rm":
		i, err := index(n, len(list))
		if err != nil {
			return Result{}, err
		}
		if err := sh.s.DeleteConnection(list[i].URL); err != nil {
			return Result{}, err
		}
		return Result{Output: describeConnections(sh.s.ConnectionHistory())}, nil
	default:
		return Result{}, ErrUsage
	}
}

func cmdMethods(_ context.Context, sh *Shell, rest string) (Result, error) {
	action, n := cut(rest)
	list := sh.s.MethodHistory()

	switch strings.ToLower(action) {
	case "":
		return Result{Output: describeMethods(list)}, nil
	case "use":
		i, err := index(n, len(list))
		if err != nil {
			return Result{}, err
		}
		if err := sh.s.SelectMethod(list[i].ID); err != nil {
			return Result{}, err
		}
		return Result{Output: "method " + sh.s.MethodName() + "\n" + describeArgs(sh.s.Args())}, nil
	case "rm":
		i, err := index(n, len(list))
		if err != nil {
			return Result{}, err
		}
		if err := sh.s.DeleteMethod(list[i].ID); err != nil {
			return Result{}, err
		}
		return Result{Output: describeMethods(sh.s.MethodHistory())}, nil
	case "clear":
		return Result{}, sh.s.DeleteAllMethods()
	default:
		return Result{}, ErrUsage
	}
}

func cmdClear(_ context.Context, sh *Shell, _ string) (Result, error) {
	sh.s.ClearLogs()
	return Result{}, nil
}

func cmdStatus(_ context.Context, sh *Shell, _ string) (Result, error) {
	snap := sh.s.Snapshot()

	out := describeSettings(snap.Settings) + "\nstate: " + snap.Phase.Label()
	if snap.MethodName != "" {
		out += "\nmethod: " + snap.MethodName
	}

	return Result{Output: out}, nil
}

func cmdHelp(_ context.Context, sh *Shell, _ string) (Result, error) {
	return Result{Output: sh.Help()}, nil
}

func cmdQuit(ctx context.Context, sh *Shell, _ string) (Result, error) {
	return Result{Quit: true}, sh.s.Close(ctx)
}
