package signalr_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/carterjones/signalr-tester"
)

// This is some testception right here...

func TestTestHub_negotiate(t *testing.T) {
	cases := map[string]struct {
		method        string
		header        http.Header
		token         string
		transports    []signalr.TransportType
		expStatus     int
		expTransports []string
	}{
		"all transports": {
			method:        http.MethodPost,
			expStatus:     http.StatusOK,
			expTransports: []string{"WebSockets", "ServerSentEvents", "LongPolling"},
		},
		"restricted transports": {
			method:        http.MethodPost,
			transports:    []signalr.TransportType{signalr.LongPolling},
			expStatus:     http.StatusOK,
			expTransports: []string{"LongPolling"},
		},
		"wrong method": {
			method:    http.MethodGet,
			expStatus: http.StatusMethodNotAllowed,
		},
		"missing token": {
			method:    http.MethodPost,
			token:     "secret",
			expStatus: http.StatusUnauthorized,
		},
		"bearer token": {
			method:        http.MethodPost,
			header:        http.Header{"Authorization": []string{"Bearer secret"}},
			token:         "secret",
			expStatus:     http.StatusOK,
			expTransports: []string{"WebSockets", "ServerSentEvents", "LongPolling"},
		},
	}

	for id, tc := range cases {
		hub := signalr.NewTestHub()
		hub.RequireToken = tc.token
		hub.Transports = tc.transports

		req := httptest.NewRequest(tc.method, "/hub/negotiate?negotiateVersion=1", nil)
		for k, v := range tc.header {
			req.Header[k] = v
		}
		w := httptest.NewRecorder()

		hub.ServeHTTP(w, req)

		equals(t, id, tc.expStatus, w.Code)
		if tc.expStatus != http.StatusOK {
			equals(t, id, 0, hub.Opened())
			continue
		}

		var resp signalr.NegotiateResponse
		ok(t, id, json.Unmarshal(w.Body.Bytes(), &resp))
		equals(t, id, 1, resp.NegotiateVersion)
		equals(t, id, 1, hub.Connections())
		equals(t, id, true, resp.ConnectionID != "" && resp.ConnectionToken != "")

		var act []string
		for _, at := range resp.AvailableTransports {
			act = append(act, at.Transport)
		}
		equals(t, id, tc.expTransports, act)
	}
}

func TestTestHub_unknownSession(t *testing.T) {
	cases := map[string]struct {
		method    string
		accept    string
		expStatus int
	}{
		"poll":   {method: http.MethodGet, expStatus: http.StatusNoContent},
		"stream": {method: http.MethodGet, accept: "text/event-stream", expStatus: http.StatusNotFound},
		"send":   {method: http.MethodPost, expStatus: http.StatusNotFound},
		"delete": {method: http.MethodDelete, expStatus: http.StatusNotFound},
		"put":    {method: http.MethodPut, expStatus: http.StatusMethodNotAllowed},
	}

	hub := signalr.NewTestHub()
	for id, tc := range cases {
		req := httptest.NewRequest(tc.method, "/hub?id=nope", strings.NewReader("{}\x1e"))
		if tc.accept != "" {
			req.Header.Set("Accept", tc.accept)
		}
		w := httptest.NewRecorder()

		hub.ServeHTTP(w, req)

		equals(t, id, tc.expStatus, w.Code)
	}
}

func TestTestHub_longPollingSession(t *testing.T) {
	hub := signalr.NewTestHub()

	w := httptest.NewRecorder()
	hub.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/hub/negotiate", nil))
	var resp signalr.NegotiateResponse
	ok(t, "negotiate", json.Unmarshal(w.Body.Bytes(), &resp))

	target := "/hub?id=" + resp.ConnectionToken

	w = httptest.NewRecorder()
	hub.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	equals(t, "first poll", http.StatusOK, w.Code)
	equals(t, "first poll", 0, w.Body.Len())

	w = httptest.NewRecorder()
	hub.ServeHTTP(w, httptest.NewRequest(http.MethodPost, target, strings.NewReader(`{"protocol":"json","version":1}`+"\x1e")))
	equals(t, "handshake", http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	hub.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	equals(t, "handshake response", "{}\x1e", w.Body.String())

	w = httptest.NewRecorder()
	hub.ServeHTTP(w, httptest.NewRequest(http.MethodPost, target, strings.NewReader(`{"type":1,"invocationId":"1","target":"add","arguments":[1,2]}`+"\x1e")))
	equals(t, "invoke", http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	hub.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	equals(t, "completion", `{"type":3,"invocationId":"1","result":3}`+"\x1e", w.Body.String())

	w = httptest.NewRecorder()
	hub.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, target, nil))
	equals(t, "delete", http.StatusAccepted, w.Code)
	equals(t, "delete", 0, hub.Connections())
}
