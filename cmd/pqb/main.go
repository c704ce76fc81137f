// pqb is the client for pqbd: it issues tool requests against the daemon's
// HTTP surface and can tail a channel's live event stream.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/pqbroker/pqbroker/ctxutil"
)

var (
	pqbdAddr = flag.String("connect", "http://localhost:7000", "pqbd address")
	channel  = flag.String("channel", "", "channel to operate on")
	payload  = flag.String("payload", "{}", "message payload as JSON")
	event    = flag.String("event", "", "event tag or row event")
	filter   = flag.String("filter", "", "subscription filter as JSON")
	token    = flag.String("token", "", "bearer token")
	ifExists = flag.Bool("if-exists", false, "treat absence as success on delete")
)

const usage = `usage: pqb [flags] <command> [name]

commands:
  status | enable | disable
  publish | list | purge          (require -channel)
  channels | channel <id> | create-channel | delete-channel <id>
  subs | subscribe | unsubscribe  (subscribe/unsubscribe require -channel)
  policies | delete-policy <name>
  watch                           (requires -channel; tails the event stream)
`

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(ctxutil.BackgroundWithSignals(), flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string) error {
	c := &client{base: strings.TrimRight(*pqbdAddr, "/"), token: *token}

	switch command {
	case "status":
		return c.do(ctx, http.MethodGet, "/status", nil)
	case "enable":
		return c.do(ctx, http.MethodPost, "/enable", strings.NewReader(*payload))
	case "disable":
		return c.do(ctx, http.MethodPost, "/disable", nil)
	case "publish":
		if err := requireChannel(); err != nil {
			return err
		}
		body, err := json.Marshal(map[string]json.RawMessage{
			"payload": json.RawMessage(*payload),
			"event":   mustJSON(*event),
		})
		if err != nil {
			return err
		}
		return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(*channel)+"/messages", bytes.NewReader(body))
	case "list":
		if err := requireChannel(); err != nil {
			return err
		}
		return c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(*channel)+"/messages", nil)
	case "purge":
		if err := requireChannel(); err != nil {
			return err
		}
		return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(*channel)+"/messages", nil)
	case "channels":
		return c.do(ctx, http.MethodGet, "/channels", nil)
	case "channel":
		return c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(flag.Arg(1)), nil)
	case "create-channel":
		if err := requireChannel(); err != nil {
			return err
		}
		body, err := json.Marshal(map[string]json.RawMessage{
			"id":       mustJSON(*channel),
			"metadata": json.RawMessage(*payload),
		})
		if err != nil {
			return err
		}
		return c.do(ctx, http.MethodPost, "/channels", bytes.NewReader(body))
	case "delete-channel":
		return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(flag.Arg(1)), nil)
	case "subs":
		return c.do(ctx, http.MethodGet, "/subscriptions", nil)
	case "subscribe":
		if err := requireChannel(); err != nil {
			return err
		}
		req := map[string]json.RawMessage{
			"channel": mustJSON(*channel),
			"event":   mustJSON(*event),
		}
		if *filter != "" {
			req["filter"] = json.RawMessage(*filter)
		}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return c.do(ctx, http.MethodPost, "/subscriptions", bytes.NewReader(body))
	case "unsubscribe":
		if err := requireChannel(); err != nil {
			return err
		}
		return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(*channel), nil)
	case "policies":
		return c.do(ctx, http.MethodGet, "/policies", nil)
	case "delete-policy":
		path := "/policies/" + url.PathEscape(flag.Arg(1))
		if *ifExists {
			path += "?if_exists=true"
		}
		return c.do(ctx, http.MethodDelete, path, nil)
	case "watch":
		if err := requireChannel(); err != nil {
			return err
		}
		return c.watch(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return errors.Errorf("unknown command %q", command)
	}
}

func requireChannel() error {
	if *channel == "" {
		return errors.New("-channel is required")
	}
	return nil
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

type client struct {
	base  string
	token string
}

func (c *client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do issues one request and pretty-prints the response envelope.
func (c *client) do(ctx context.Context, method, path string, body io.Reader) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()

	var envelope map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Wrap(err, "decode response")
	}
	out, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.StatusCode >= 400 {
		return errors.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}

// watch tails the channel's server-sent-events stream until interrupted.
func (c *client) watch(ctx context.Context) error {
	path := "/channels/" + url.PathEscape(*channel) + "/events"
	q := url.Values{}
	if *event != "" {
		q.Set("event", *event)
	}
	if *filter != "" {
		q.Set("filter", *filter)
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("stream failed with status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			fmt.Println(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "stream")
	}
	return nil
}
