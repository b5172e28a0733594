package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"supernova/internal/domain"
)

// maxSSELine bounds a single SSE line. Tool call chunks can be large.
const maxSSELine = 1 << 20

// parseSSEStream reads SSE lines from body and converts each data payload
// into zero or more deltas via parseLine. The channel closes when the stream
// ends or ctx is cancelled. A read error or a parse error is delivered as a
// final delta carrying Err.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) ([]domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Bytes()
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)

			if bytes.Equal(data, []byte("[DONE]")) {
				send(domain.StreamDelta{Done: true})
				return
			}

			deltas, err := parseLine(data)
			if err != nil {
				send(domain.StreamDelta{Err: err})
				return
			}
			for _, d := range deltas {
				if !send(d) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(domain.StreamDelta{Err: fmt.Errorf("%w: read stream: %w", domain.ErrProviderError, err)})
		}
	}()
	return ch
}
