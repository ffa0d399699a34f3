package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/carterjones/signalr-tester/internal/args"
	"github.com/carterjones/signalr-tester/internal/config"
	"github.com/carterjones/signalr-tester/internal/logs"
	"github.com/carterjones/signalr-tester/internal/tui"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/ztrue/shutdown"
	"go.uber.org/zap"
)

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "signalr-tester",
		Short:   "Connect to a SignalR hub, invoke its methods and watch what it pushes",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:          runShell,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(cmd)

	cmd.AddCommand(
		newScriptCommand(),
		newInvokeCommand(),
		newListenCommand(),
		newHistoryCommand(),
	)

	return cmd
}

func runShell(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("signalr-tester",
		zap.String("version", cmd.Root().Annotations["version"]),
		zap.String("commit", cmd.Root().Annotations["commit"]))

	return tui.Run(cmd.Context(), a.session, a.notifier)
}

func newScriptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "script [file]",
		Short: "Run shell commands from a file, or stdin when no file is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			in := cmd.InOrStdin()
			if len(argv) == 1 {
				f, err := os.Open(argv[0])
				if err != nil {
					return errors.Wrap(err, "failed to open script")
				}
				defer f.Close()
				in = f
			}

			a, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			return runScript(cmd.Context(), a, in, cmd.OutOrStdout())
		},
	}
}

// runScript stops at the first failing command.
func runScript(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	defer a.printLogs(out)()

	sh := tui.NewShell(a.session)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for n := 1; scanner.Scan(); n++ {
		res, err := sh.Exec(ctx, scanner.Text())
		if res.Output != "" {
			fmt.Fprintln(out, res.Output)
		}
		if err != nil {
			return errors.Wrapf(err, "line %d", n)
		}
		if res.Quit {
			return nil
		}
	}

	return errors.Wrap(scanner.Err(), "failed to read script")
}

const invokeLong = `Connect, invoke one hub method and print its result.

Arguments are text unless prefixed with number: or json:, e.g.
  signalr-tester invoke SendMessage text:alice 'json:{"body":"hi"}' number:3`

func newInvokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invoke <method> [type:value...]",
		Short: "Connect, invoke one hub method and print its result",
		Long:  invokeLong,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			a, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			return runInvoke(cmd.Context(), a, argv[0], argv[1:], cmd.OutOrStdout())
		},
	}
}

func runInvoke(ctx context.Context, a *app, method string, specs []string, out io.Writer) error {
	if err := a.session.Connect(ctx); err != nil {
		return err
	}
	defer a.session.Disconnect(ctx) //nolint:errcheck

	a.session.SetMethodName(method)
	for _, spec := range specs {
		a.session.AppendArg(args.ParseSpec(spec))
	}

	result, err := a.session.Invoke(ctx)
	if err != nil {
		return err
	}

	e := logs.Entry{Payload: result}
	if e.HasPayload() {
		fmt.Fprintln(out, e.PrettyPayload())
	}

	return nil
}

func newListenCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "listen [methods...]",
		Short: "Connect and print what the hub pushes until interrupted",
		RunE: func(cmd *cobra.Command, argv []string) error {
			a, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			return runListen(cmd.Context(), a, argv, duration, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "Stop after this long, 0 waits for a signal")

	return cmd
}

func runListen(ctx context.Context, a *app, methods []string, duration time.Duration, out io.Writer) error {
	defer a.printLogs(out)()

	if err := a.session.Connect(ctx); err != nil {
		return err
	}
	for _, m := range methods {
		if err := a.session.RegisterMethod(m); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "listening to %s\n", strings.Join(a.session.Listeners(), ", "))

	signals := make(chan os.Signal, 1)
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	} else {
		shutdown.AddWithParam(func(sig os.Signal) {
			signals <- sig
		})
		go shutdown.Listen(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	}

	select {
	case sig := <-signals:
		a.logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	return a.session.Disconnect(context.Background())
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or edit the saved connection and method history",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "connections",
			Short: "List recent connections",
			Args:  cobra.NoArgs,
			RunE: historyRunE(func(a *app, _ []string, out io.Writer) error {
				for i, c := range a.connections.List() {
					fmt.Fprintf(out, "%d. %s [%s] %s\n", i+1, c.URL, c.Transport, c.LastConnected.Format(time.RFC3339))
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "methods [url]",
			Short: "List recent methods of a hub, or of every hub",
			Args:  cobra.MaximumNArgs(1),
			RunE: historyRunE(func(a *app, argv []string, out io.Writer) error {
				urls := a.methods.URLs()
				if len(argv) == 1 {
					urls = []string{argv[0]}
				}
				for _, u := range urls {
					fmt.Fprintln(out, u)
					for i, m := range a.methods.List(u) {
						specs := make([]string, 0, len(m.Args))
						for _, arg := range m.Args {
							specs = append(specs, string(arg.Type)+":"+arg.Value)
						}
						fmt.Fprintf(out, "  %d. %s %s\n", i+1, m.MethodName, strings.Join(specs, " "))
					}
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "delete <url>",
			Short: "Forget a connection and its methods",
			Args:  cobra.ExactArgs(1),
			RunE: historyRunE(func(a *app, argv []string, _ io.Writer) error {
				return a.session.DeleteConnection(argv[0])
			}),
		},
		&cobra.Command{
			Use:   "clear <url>",
			Short: "Forget the methods of a hub",
			Args:  cobra.ExactArgs(1),
			RunE: historyRunE(func(a *app, argv []string, _ io.Writer) error {
				return a.methods.DeleteAll(argv[0])
			}),
		},
	)

	return cmd
}

func historyRunE(fn func(a *app, argv []string, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, argv []string) error {
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(a, argv, cmd.OutOrStdout())
	}
}
