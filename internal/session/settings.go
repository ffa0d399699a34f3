package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	scraper "github.com/carterjones/go-cloudflare-scraper"
	"github.com/carterjones/signalr-tester"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Phase is the connection state shown to the user.
type Phase string

// Connection phases. Reconnecting is shown as Connecting.
const (
	Disconnected Phase = "disconnected"
	Connecting   Phase = "connecting"
	Connected    Phase = "connected"
)

// Label returns the display name of the phase.
func (p Phase) Label() string {
	switch p {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// Settings describe the connection to establish.
type Settings struct {
	HubURL          string                `json:"hubUrl"`
	UseToken        bool                  `json:"useToken"`
	Token           string                `json:"token"`
	Transport       signalr.TransportType `json:"transport"`
	WithCredentials bool                  `json:"withCredentials"`
	SkipNegotiation bool                  `json:"skipNegotiation"`
}

// DefaultSettings uses WebSockets and no token.
func DefaultSettings() Settings {
	return Settings{Transport: signalr.WebSockets}
}

// SetTransport changes the transport. Negotiation can only be skipped with
// WebSockets, so other transports clear SkipNegotiation.
func (s *Settings) SetTransport(t signalr.TransportType) {
	s.Transport = t
	if t != signalr.WebSockets {
		s.SkipNegotiation = false
	}
}

// CanSkipNegotiation reports whether the transport allows skipping
// negotiation.
func (s Settings) CanSkipNegotiation() bool {
	return s.Transport == "" || s.Transport == signalr.WebSockets
}

// EffectiveSkipNegotiation is SkipNegotiation limited to transports that
// allow it.
func (s Settings) EffectiveSkipNegotiation() bool {
	return s.SkipNegotiation && s.CanSkipNegotiation()
}

// transportOrDefault parses a stored transport name, falling back to
// WebSockets.
func transportOrDefault(s string) signalr.TransportType {
	t, err := signalr.ParseTransport(s)
	if err != nil {
		return signalr.WebSockets
	}

	return t
}

// AccessToken returns the trimmed token when the token is enabled.
func (s Settings) AccessToken() string {
	if !s.UseToken {
		return ""
	}

	return strings.TrimSpace(s.Token)
}

// HubConn is the part of a hub connection the session drives.
type HubConn interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Invoke(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error)
	On(method string, h signalr.Handler) (off func())
	OnClose(fn func(err error))
	OnReconnecting(fn func(err error))
	OnReconnected(fn func(connectionID string))
}

var _ HubConn = (*signalr.Client)(nil)

// Dialer builds an unstarted hub connection for the settings.
type Dialer func(Settings) (HubConn, error)

// ClientOptions configure the HTTP side of every connection.
type ClientOptions struct {
	// Proxy URL for negotiate, the HTTP transports and the websocket dial.
	// Empty uses the environment.
	Proxy string

	// Route HTTP requests through the Cloudflare challenge solver.
	Cloudflare bool

	InsecureSkipVerify bool

	// Extra headers sent with every request.
	Headers map[string]string

	Logger *zap.Logger
}

func (o ClientOptions) proxy() (func(*http.Request) (*url.URL, error), error) {
	if o.Proxy == "" {
		return http.ProxyFromEnvironment, nil
	}

	u, err := url.Parse(o.Proxy)
	if err != nil {
		return nil, errors.Wrap(err, "invalid proxy url")
	}

	return http.ProxyURL(u), nil
}

func (o ClientOptions) tlsConfig() *tls.Config {
	if !o.InsecureSkipVerify {
		return nil
	}

	// nolint:gosec
	return &tls.Config{InsecureSkipVerify: true}
}

func (o ClientOptions) httpClient() (*http.Client, error) {
	proxy, err := o.proxy()
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxy
	transport.TLSClientConfig = o.tlsConfig()

	if o.Cloudflare {
		cfTransport := scraper.NewTransport(transport)
		return &http.Client{
			Transport: cfTransport,
			Jar:       cfTransport.Cookies,
		}, nil
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "cookie jar creation failed")
	}

	return &http.Client{Transport: transport, Jar: jar}, nil
}

// NewDialer returns a Dialer that builds signalr clients with automatic
// reconnects.
func NewDialer(opts ClientOptions) Dialer {
	return func(s Settings) (HubConn, error) {
		hc, err := opts.httpClient()
		if err != nil {
			return nil, err
		}

		c := signalr.New(s.HubURL)
		c.Transport = s.Transport
		if c.Transport == "" {
			c.Transport = signalr.WebSockets
		}
		c.SkipNegotiation = s.EffectiveSkipNegotiation()
		c.WithCredentials = s.WithCredentials
		c.HTTPClient = hc
		c.Proxy, _ = opts.proxy()
		c.TLSClientConfig = opts.tlsConfig()
		for k, v := range opts.Headers {
			c.Headers[k] = v
		}
		if opts.Logger != nil {
			c.Logger = opts.Logger
		}

		if token := s.AccessToken(); token != "" {
			c.AccessTokenFactory = func() (string, error) { return token, nil }
		}

		return c, nil
	}
}
