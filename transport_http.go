package signalr

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// pollTimeout bounds a single long polling request. Servers answer within
// about 90 seconds.
const pollTimeout = 100 * time.Second

type sseConn struct {
	client     *http.Client
	newRequest requestFactory
	target     string
	box        *inbox
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

func dialServerSentEvents(ctx context.Context, client *http.Client, target url.URL, newRequest requestFactory) (Conn, error) {
	// The stream outlives ctx, which only bounds the dial.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := newRequest(streamCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "event stream request failed")
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, errors.Errorf("event stream request failed: %s", resp.Status)
	}

	s := &sseConn{
		client:     client,
		newRequest: newRequest,
		target:     target.String(),
		box:        newInbox(),
		cancel:     cancel,
	}
	go s.pump(resp.Body)

	return s, nil
}

// pump parses the event stream. Only data fields matter; each event's data
// lines are joined with newlines.
func (s *sseConn) pump(body io.ReadCloser) {
	defer body.Close()

	r := bufio.NewReader(body)
	var data []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			s.box.fail(errors.Wrap(err, "event stream ended"))
			return
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) > 0 {
				if !s.box.push([]byte(strings.Join(data, "\n"))) {
					return
				}
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
			// comment, used by servers as a heartbeat
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
}

func (s *sseConn) ReadMessage() ([]byte, error) {
	return s.box.read()
}

func (s *sseConn) WriteMessage(p []byte) error {
	return postMessage(s.client, s.newRequest, s.target, p)
}

func (s *sseConn) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.box.fail(nil)
	})

	return nil
}

type longPollConn struct {
	client     *http.Client
	newRequest requestFactory
	target     url.URL
	box        *inbox
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

func dialLongPolling(ctx context.Context, client *http.Client, target url.URL, newRequest requestFactory) (Conn, error) {
	loopCtx, cancel := context.WithCancel(context.Background())
	lp := &longPollConn{
		client:     client,
		newRequest: newRequest,
		target:     target,
		box:        newInbox(),
		ctx:        loopCtx,
		cancel:     cancel,
	}

	// The first poll confirms the connection before the loop starts.
	data, status, err := lp.poll(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	if status != http.StatusOK {
		cancel()
		return nil, errors.Errorf("long polling request failed: %d", status)
	}
	if len(data) > 0 {
		lp.box.push(data)
	}

	lp.wg.Add(1)
	go lp.loop()

	return lp, nil
}

func (lp *longPollConn) pollURL() string {
	u := lp.target
	params := u.Query()
	params.Set("_", strconv.FormatInt(time.Now().UnixMilli(), 10))
	u.RawQuery = params.Encode()
	return u.String()
}

func (lp *longPollConn) poll(ctx context.Context) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	req, err := lp.newRequest(ctx, http.MethodGet, lp.pollURL(), nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := lp.client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "poll failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "poll read failed")
	}

	return data, resp.StatusCode, nil
}

func (lp *longPollConn) loop() {
	defer lp.wg.Done()

	for {
		data, status, err := lp.poll(lp.ctx)
		if lp.ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			continue
		case err != nil:
			lp.box.fail(err)
			return
		case status == http.StatusNoContent:
			lp.box.fail(errors.New("the server closed the long polling connection"))
			return
		case status != http.StatusOK:
			lp.box.fail(errors.Errorf("long polling request failed: %d", status))
			return
		}

		if len(data) > 0 && !lp.box.push(data) {
			return
		}
	}
}

func (lp *longPollConn) ReadMessage() ([]byte, error) {
	return lp.box.read()
}

func (lp *longPollConn) WriteMessage(p []byte) error {
	return postMessage(lp.client, lp.newRequest, lp.target.String(), p)
}

func (lp *longPollConn) Close() error {
	var err error
	lp.closeOnce.Do(func() {
		lp.cancel()
		lp.box.fail(nil)
		lp.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var req *http.Request
		req, err = lp.newRequest(ctx, http.MethodDelete, lp.target.String(), nil)
		if err != nil {
			return
		}

		var resp *http.Response
		resp, err = lp.client.Do(req)
		if err != nil {
			err = errors.Wrap(err, "delete failed")
			return
		}
		_ = resp.Body.Close()
	})

	return err
}
