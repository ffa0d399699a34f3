package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/carterjones/signalr-tester"
	"github.com/carterjones/signalr-tester/internal/history"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Hub     Hub     `json:"hub"`
	Client  Client  `json:"client"`
	Listen  Listen  `json:"listen"`
	History History `json:"history"`
	Log     Log     `json:"log"`
	Debug   bool    `json:"debug"`
}

type Hub struct {
	URL             string `json:"url"`
	Token           string `json:"token"`
	Transport       string `json:"transport"`
	WithCredentials bool   `json:"with_credentials" yaml:"with_credentials"`
	SkipNegotiation bool   `json:"skip_negotiation" yaml:"skip_negotiation"`
}

type Client struct {
	Proxy              string        `json:"proxy"`
	Cloudflare         bool          `json:"cloudflare"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	Headers            []string      `json:"headers"`
	Timeout            time.Duration `json:"timeout"`
}

type Listen struct {
	Methods []string `json:"methods"`
}

type History struct {
	Path           string `json:"path"`
	Disabled       bool   `json:"disabled"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
	MaxMethods     int    `json:"max_methods" yaml:"max_methods"`
}

type Log struct {
	File       string `json:"file"`
	MaxEntries int    `json:"max_entries" yaml:"max_entries"`
}

//nolint:golint,gochecknoglobals
var (
	ConfigFileKey               = "config"
	HubURLKey                   = "hub.url"
	HubTokenKey                 = "hub.token"
	HubTransportKey             = "hub.transport"
	HubWithCredentialsKey       = "hub.with_credentials"
	HubSkipNegotiationKey       = "hub.skip_negotiation"
	ClientProxyKey              = "client.proxy"
	ClientCloudflareKey         = "client.cloudflare"
	ClientInsecureSkipVerifyKey = "client.insecure_skip_verify"
	ClientHeadersKey            = "client.headers"
	ClientTimeoutKey            = "client.timeout"
	ListenMethodsKey            = "listen.methods"
	HistoryPathKey              = "history.path"
	HistoryDisabledKey          = "history.disabled"
	HistoryMaxConnectionsKey    = "history.max_connections"
	HistoryMaxMethodsKey        = "history.max_methods"
	LogFileKey                  = "log.file"
	LogMaxEntriesKey            = "log.max_entries"
	DebugKey                    = "debug"
)

const (
	DefaultConfigPath            = "signalr-tester.yaml"
	DefaultHubTransport          = string(signalr.WebSockets)
	DefaultClientTimeout         = 30 * time.Second
	DefaultHistoryMaxConnections = history.DefaultMaxConnections
	DefaultHistoryMaxMethods     = history.DefaultMaxMethods
)

// DefaultListenMethods are the client methods listened to on every
// connection.
//
//nolint:golint,gochecknoglobals
var DefaultListenMethods = []string{"ReceiveMessage", "SystemMessage", "Notification", "Update", "Broadcast"}

func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringP(ConfigFileKey, "c", DefaultConfigPath, "Config file path")
	flags.String(HubURLKey, "", "Hub URL, e.g. https://localhost:5001/chathub")
	flags.String(HubTokenKey, "", "Access token sent as a bearer token")
	flags.String(HubTransportKey, DefaultHubTransport, "Transport: webSockets, serverSentEvents or longPolling")
	flags.Bool(HubWithCredentialsKey, false, "Send cookies with requests")
	flags.Bool(HubSkipNegotiationKey, false, "Skip negotiation (webSockets only)")
	flags.String(ClientProxyKey, "", "Proxy URL, the environment is used when empty")
	flags.Bool(ClientCloudflareKey, false, "Solve Cloudflare challenges in front of the hub")
	flags.Bool(ClientInsecureSkipVerifyKey, false, "Skip TLS certificate verification")
	flags.StringSlice(ClientHeadersKey, []string{}, "Comma-separated list of extra headers as Key=Value")
	flags.Duration(ClientTimeoutKey, DefaultClientTimeout, "Timeout for connecting and for each invocation")
	flags.StringSlice(ListenMethodsKey, DefaultListenMethods, "Comma-separated list of client methods to listen to")
	flags.String(HistoryPathKey, "", "History database path, defaults to the user config directory")
	flags.Bool(HistoryDisabledKey, false, "Keep history in memory only")
	flags.Int(HistoryMaxConnectionsKey, DefaultHistoryMaxConnections, "Number of connections kept in history")
	flags.Int(HistoryMaxMethodsKey, DefaultHistoryMaxMethods, "Number of methods kept in history per hub")
	flags.String(LogFileKey, "", "Write diagnostic logs to this file")
	flags.Int(LogMaxEntriesKey, 0, "Number of request/response log entries kept, 0 keeps all")
	flags.Bool(DebugKey, false, "Enable debug logging")
}

var (
	ErrInvalidTransport     = errors.New("transport must be one of webSockets, serverSentEvents or longPolling")
	ErrSkipNegotiation      = errors.New("negotiation can only be skipped with the webSockets transport")
	ErrInvalidHeader        = errors.New("headers must be given as Key=Value")
	ErrInvalidTimeout       = errors.New("client timeout must not be negative")
	ErrInvalidHistoryLimit  = errors.New("history limits must be positive")
	ErrInvalidLogMaxEntries = errors.New("log max entries must not be negative")
)

func (c *Config) Validate() error {
	t, err := signalr.ParseTransport(c.Hub.Transport)
	if err != nil {
		return ErrInvalidTransport
	}
	if c.Hub.SkipNegotiation && t != signalr.WebSockets {
		return ErrSkipNegotiation
	}
	if _, err := c.HeaderMap(); err != nil {
		return err
	}
	if c.Client.Timeout < 0 {
		return ErrInvalidTimeout
	}
	if c.History.MaxConnections <= 0 || c.History.MaxMethods <= 0 {
		return ErrInvalidHistoryLimit
	}
	if c.Log.MaxEntries < 0 {
		return ErrInvalidLogMaxEntries
	}

	return nil
}

// Transport returns the parsed hub transport, WebSockets when invalid.
func (c *Config) Transport() signalr.TransportType {
	t, err := signalr.ParseTransport(c.Hub.Transport)
	if err != nil {
		return signalr.WebSockets
	}

	return t
}

// HeaderMap parses the Key=Value headers.
func (c *Config) HeaderMap() (map[string]string, error) {
	headers := make(map[string]string, len(c.Client.Headers))
	for _, h := range c.Client.Headers {
		k, v, found := strings.Cut(h, "=")
		k = strings.TrimSpace(k)
		if !found || k == "" {
			return nil, errors.Wrapf(ErrInvalidHeader, "%q", h)
		}
		headers[k] = strings.TrimSpace(v)
	}

	return headers, nil
}

func LoadConfig(cmd *cobra.Command) (*Config, error) {
	var config Config

	// Load flags from envs
	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if ctx.Err() != nil {
			return
		}
		optName := strings.ReplaceAll(strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_"), ".", "__")
		if val, ok := os.LookupEnv(optName); !f.Changed && ok {
			// DEBUG is on when set to anything.
			if f.Name == DebugKey {
				val = strconv.FormatBool(val != "")
			}
			if err := f.Value.Set(val); err != nil {
				cancel(err)
			}
			f.Changed = true
		}
	})
	if ctx.Err() != nil {
		return &config, errors.Wrap(context.Cause(ctx), "failed to load env")
	}

	configPath, err := cmd.Flags().GetString(ConfigFileKey)
	if err != nil {
		return &config, errors.Wrap(err, "failed to get config path")
	}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return &config, errors.Wrap(err, "failed to read config")
		} else if err == nil {
			if err := yaml.Unmarshal(data, &config); err != nil {
				return &config, errors.Wrap(err, "failed to unmarshal config")
			}
		}
	}

	err = overrideFlags(&config, cmd)
	if err != nil {
		return &config, errors.Wrap(err, "failed to override flags")
	}

	// Defaults
	if config.Hub.Transport == "" {
		config.Hub.Transport = DefaultHubTransport
	}
	if config.Client.Timeout == 0 {
		config.Client.Timeout = DefaultClientTimeout
	}
	if config.Listen.Methods == nil {
		config.Listen.Methods = append([]string(nil), DefaultListenMethods...)
	}
	if config.History.MaxConnections == 0 {
		config.History.MaxConnections = DefaultHistoryMaxConnections
	}
	if config.History.MaxMethods == 0 {
		config.History.MaxMethods = DefaultHistoryMaxMethods
	}

	return &config, nil
}

//nolint:gocyclo
func overrideFlags(config *Config, cmd *cobra.Command) error {
	var err error
	flags := cmd.Flags()

	if flags.Changed(HubURLKey) {
		config.Hub.URL, err = flags.GetString(HubURLKey)
		if err != nil {
			return errors.Wrap(err, "failed to get hub url")
		}
	}

	if flags.Changed(HubTokenKey) {
		config.Hub.Token, err = flags.GetString(HubTokenKey)
		if err != nil {
			return errors.Wrap(err, "failed to get hub token")
		}
	}

	if flags.Changed(HubTransportKey) {
		config.Hub.Transport, err = flags.GetString(HubTransportKey)
		if err != nil {
			return errors.Wrap(err, "failed to get hub transport")
		}
	}

	if flags.Changed(HubWithCredentialsKey) {
		config.Hub.WithCredentials, err = flags.GetBool(HubWithCredentialsKey)
		if err != nil {
			return errors.Wrap(err, "failed to get with credentials")
		}
	}

	if flags.Changed(HubSkipNegotiationKey) {
		config.Hub.SkipNegotiation, err = flags.GetBool(HubSkipNegotiationKey)
		if err != nil {
			return errors.Wrap(err, "failed to get skip negotiation")
		}
	}

	if flags.Changed(ClientProxyKey) {
		config.Client.Proxy, err = flags.GetString(ClientProxyKey)
		if err != nil {
			return errors.Wrap(err, "failed to get proxy")
		}
	}

	if flags.Changed(ClientCloudflareKey) {
		config.Client.Cloudflare, err = flags.GetBool(ClientCloudflareKey)
		if err != nil {
			return errors.Wrap(err, "failed to get cloudflare")
		}
	}

	if flags.Changed(ClientInsecureSkipVerifyKey) {
		config.Client.InsecureSkipVerify, err = flags.GetBool(ClientInsecureSkipVerifyKey)
		if err != nil {
			return errors.Wrap(err, "failed to get insecure skip verify")
		}
	}

	if flags.Changed(ClientHeadersKey) {
		config.Client.Headers, err = flags.GetStringSlice(ClientHeadersKey)
		if err != nil {
			return errors.Wrap(err, "failed to get headers")
		}
	}

	if flags.Changed(ClientTimeoutKey) {
		config.Client.Timeout, err = flags.GetDuration(ClientTimeoutKey)
		if err != nil {
			return errors.Wrap(err, "failed to get client timeout")
		}
	}

	if flags.Changed(ListenMethodsKey) {
		config.Listen.Methods, err = flags.GetStringSlice(ListenMethodsKey)
		if err != nil {
			return errors.Wrap(err, "failed to get listen methods")
		}
	}

	if flags.Changed(HistoryPathKey) {
		config.History.Path, err = flags.GetString(HistoryPathKey)
		if err != nil {
			return errors.Wrap(err, "failed to get history path")
		}
	}

	if flags.Changed(HistoryDisabledKey) {
		config.History.Disabled, err = flags.GetBool(HistoryDisabledKey)
		if err != nil {
			return errors.Wrap(err, "failed to get history disabled")
		}
	}

	if flags.Changed(HistoryMaxConnectionsKey) {
		config.History.MaxConnections, err = flags.GetInt(HistoryMaxConnectionsKey)
		if err != nil {
			return errors.Wrap(err, "failed to get history max connections")
		}
	}

	if flags.Changed(HistoryMaxMethodsKey) {
		config.History.MaxMethods, err = flags.GetInt(HistoryMaxMethodsKey)
		if err != nil {
			return errors.Wrap(err, "failed to get history max methods")
		}
	}

	if flags.Changed(LogFileKey) {
		config.Log.File, err = flags.GetString(LogFileKey)
		if err != nil {
			return errors.Wrap(err, "failed to get log file")
		}
	}

	if flags.Changed(LogMaxEntriesKey) {
		config.Log.MaxEntries, err = flags.GetInt(LogMaxEntriesKey)
		if err != nil {
			return errors.Wrap(err, "failed to get log max entries")
		}
	}

	if flags.Changed(DebugKey) {
		config.Debug, err = flags.GetBool(DebugKey)
		if err != nil {
			return errors.Wrap(err, "failed to get debug")
		}
	}

	return nil
}
