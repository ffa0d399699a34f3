package tui

import (
	"fmt"
	"strings"

	"github.com/carterjones/signalr-tester/internal/args"
	"github.com/carterjones/signalr-tester/internal/history"
	"github.com/carterjones/signalr-tester/internal/logs"
	"github.com/carterjones/signalr-tester/internal/session"
)

const timeLayout = "15:04:05.000"

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func describeSettings(st session.Settings) string {
	token := "off"
	if st.UseToken {
		token = "on"
		if st.Token == "" {
			token += " (empty)"
		}
	}

	url := st.HubURL
	if url == "" {
		url = "(not set)"
	}

	return fmt.Sprintf("url: %s\ntransport: %s\ntoken: %s\ncredentials: %s\nskip negotiation: %s",
		url, st.Transport.Label(), token, onOff(st.WithCredentials), onOff(st.EffectiveSkipNegotiation()))
}

func describeArgs(list []args.Arg) string {
	if len(list) == 0 {
		return "no arguments"
	}

	var b strings.Builder
	for i, a := range list {
		fmt.Fprintf(&b, "%d. %-6s %s\n", i+1, a.Type, a.Value)
	}

	return strings.TrimRight(b.String(), "\n")
}

func describeListeners(names []string) string {
	if len(names) == 0 {
		return "no listeners"
	}

	return "listening to " + strings.Join(names, ", ")
}

func describeConnections(list []history.Connection) string {
	if len(list) == 0 {
		return "no connection history"
	}

	var b strings.Builder
	for i, c := range list {
		fmt.Fprintf(&b, "%d. %s [%s] %s\n", i+1, c.URL, c.Transport, c.LastConnected.Format("2006-01-02 15:04"))
	}

	return strings.TrimRight(b.String(), "\n")
}

func describeMethods(list []history.Method) string {
	if len(list) == 0 {
		return "no method history"
	}

	var b strings.Builder
	for i, m := range list {
		values := make([]string, 0, len(m.Args))
		for _, a := range m.Args {
			values = append(values, string(a.Type)+":"+a.Value)
		}
		fmt.Fprintf(&b, "%d. %s(%s) %s\n", i+1, m.MethodName, strings.Join(values, ", "), m.Timestamp.Format(timeLayout))
	}

	return strings.TrimRight(b.String(), "\n")
}

// FormatEntry renders a log entry as plain text.
func FormatEntry(e logs.Entry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %-8s", e.Timestamp.Format(timeLayout), strings.ToUpper(string(e.Kind)))
	if e.Method != "" {
		b.WriteString(" " + e.Method)
	}
	if e.Message != "" {
		b.WriteString(" " + e.Message)
	}
	if e.HasPayload() {
		b.WriteString("\n" + indent(e.PrettyPayload(), "    "))
	}

	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}

	return strings.Join(lines, "\n")
}
