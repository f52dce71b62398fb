package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/moroshma/MiniToolQueue/internal/auth"
	"github.com/moroshma/MiniToolQueue/pkg/client"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

const httpTimeout = 10 * time.Second

func newLogger(c *cli.Context) (*logger.Logger, error) {
	level := "warn"
	if c.Bool("verbose") {
		level = "debug"
	}
	return logger.New(logger.Config{Level: level, Format: "console", OutputPath: "stderr"})
}

func dial(ctx context.Context, c *cli.Context, log *logger.Logger) (*client.Connection, error) {
	return client.Dial(ctx, c.String("broker"), client.Options{
		ClientID:    "mtqctl",
		Username:    c.String("username"),
		Password:    c.String("password"),
		Token:       c.String("token"),
		DialTimeout: c.Duration("dial-timeout"),
		Logger:      log,
	})
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		k, v, ok := strings.Cut(h, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", h)
		}
		headers[k] = v
	}
	return headers, nil
}

func send(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("usage: mtqctl send <queue> <body>...", 2)
	}
	queue := c.Args().First()
	bodies := c.Args().Tail()

	headers, err := parseHeaders(c.StringSlice("header"))
	if err != nil {
		return err
	}
	if c.Uint("priority") > 9 {
		return fmt.Errorf("priority must be between 0 and 9")
	}

	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := dial(ctx, c, log)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	producer, err := conn.NewProducer(ctx, queue)
	if err != nil {
		return err
	}
	defer producer.Close(context.Background())

	opts := []client.SendOption{
		client.WithPriority(uint8(c.Uint("priority"))),
		client.WithTTL(c.Duration("ttl")),
	}
	for k, v := range headers {
		opts = append(opts, client.WithHeader(k, v))
	}

	for _, body := range bodies {
		receipt, err := producer.Send(ctx, []byte(body), opts...)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "sent %s to %s (sequence %d, enqueue count %d)\n",
			receipt.MessageID, queue, receipt.Sequence, receipt.EnqueueCount)
	}
	return nil
}

type printedDelivery struct {
	ID            string            `json:"id"`
	Destination   string            `json:"destination"`
	Body          string            `json:"body"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      uint8             `json:"priority"`
	DeliveryCount uint32            `json:"delivery_count"`
	Sequence      uint64            `json:"sequence"`
	Timestamp     time.Time         `json:"timestamp"`
}

func receive(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: mtqctl receive <queue>", 2)
	}
	queue := c.Args().First()
	count := c.Int("count")

	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := dial(ctx, c, log)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	consumer, err := conn.NewConsumer(ctx, queue)
	if err != nil {
		return err
	}
	defer consumer.Close(context.Background())

	enc := json.NewEncoder(c.App.Writer)
	for received := 0; count == 0 || received < count; received++ {
		d, err := consumer.Receive(ctx, c.Duration("timeout"))
		if err != nil {
			if errors.Is(err, qerr.ErrDeliveryTimeout) || errors.Is(err, context.Canceled) {
				if received == 0 && errors.Is(err, qerr.ErrDeliveryTimeout) {
					return cli.Exit("no message received", 3)
				}
				return nil
			}
			return err
		}

		if err := enc.Encode(printedDelivery{
			ID:            d.ID,
			Destination:   d.Destination,
			Body:          string(d.Payload),
			Headers:       d.Headers,
			Priority:      d.Priority,
			DeliveryCount: d.DeliveryCount,
			Sequence:      d.Sequence,
			Timestamp:     d.Timestamp,
		}); err != nil {
			return err
		}

		if c.Bool("release") {
			err = d.Release(ctx)
		} else {
			err = d.Ack(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// managementRequest calls the management API and copies the JSON response
// to the app's writer, indented.
func managementRequest(c *cli.Context, method, path string, body any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(c.Context, httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.String("management")+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("management request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		out.Reset()
		out.Write(data)
	}
	fmt.Fprintln(c.App.Writer, strings.TrimSpace(out.String()))

	if resp.StatusCode >= http.StatusBadRequest {
		return cli.Exit(fmt.Sprintf("management api returned %s", resp.Status), 1)
	}
	return nil
}

func stats(c *cli.Context) error {
	switch c.NArg() {
	case 0:
		return managementRequest(c, http.MethodGet, "/api/v1/broker", nil)
	case 1:
		return managementRequest(c, http.MethodGet, "/api/v1/queues/"+url.PathEscape(c.Args().First()), nil)
	default:
		return cli.Exit("usage: mtqctl stats [queue]", 2)
	}
}

func query(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: mtqctl query <object-name>", 2)
	}
	return managementRequest(c, http.MethodGet, "/api/v1/query?name="+url.QueryEscape(c.Args().First()), nil)
}

func addConnector(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: mtqctl add-connector <uri>", 2)
	}
	return managementRequest(c, http.MethodPost, "/api/v1/connectors", map[string]string{"uri": c.Args().First()})
}

func token(c *cli.Context) error {
	a, err := auth.New(auth.Config{
		Enabled:   true,
		JWTSecret: c.String("secret"),
		JWTIssuer: c.String("issuer"),
	})
	if err != nil {
		return err
	}
	tok, err := a.IssueToken(c.String("client-id"), c.StringSlice("destination"), c.StringSlice("permission"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, tok)
	return nil
}
