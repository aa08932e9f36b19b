package hostapi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"salvage/internal/hooks"

	"github.com/rs/zerolog/log"
)

// EventHandler receives decoded host events in stream order.
type EventHandler func(ctx context.Context, ev hooks.Event)

// Stream reads the host event feed once, calling fn for every event until
// the stream ends or ctx is done. Malformed events are logged and skipped.
func (c *Client) Stream(ctx context.Context, fn EventHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("", "/event"), nil)
	if err != nil {
		return fmt.Errorf("create event request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("event stream connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET /event: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		data, err := readSSEData(reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return ErrStreamClosed
			}
			return fmt.Errorf("read event stream: %w", err)
		}

		ev, err := hooks.DecodeEvent(data)
		if err != nil {
			log.Warn().Err(err).Msg("skipping malformed host event")
			continue
		}
		fn(ctx, ev)
	}
}

// Subscribe keeps the event feed open, reconnecting with capped backoff
// until ctx is done.
func (c *Client) Subscribe(ctx context.Context, fn EventHandler) error {
	const (
		minBackoff = 500 * time.Millisecond
		maxBackoff = 30 * time.Second
	)
	backoff := minBackoff

	for {
		connected := time.Now()
		err := c.Stream(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A stream that stayed up for a while resets the backoff.
		if time.Since(connected) > maxBackoff {
			backoff = minBackoff
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("host event stream interrupted")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// readSSEData returns the data payload of the next event, joining
// multi-line data fields with newlines.
func readSSEData(r *bufio.Reader) ([]byte, error) {
	var data bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && data.Len() > 0 && strings.TrimSpace(line) == "" {
				return data.Bytes(), nil
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data.Len() > 0 {
				return data.Bytes(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(value, " "))
		}
	}
}
