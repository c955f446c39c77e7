package assistant

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	streamScannerInitialBuffer = 64 * 1024
	streamScannerMaxBuffer     = 512 * 1024
)

// sseStream decodes a server-sent-event body into StreamEvents.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, streamScannerInitialBuffer), streamScannerMaxBuffer)
	return &sseStream{body: body, scanner: scanner}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// Recv returns the next meaningful event, skipping events the engine does not
// use.
func (s *sseStream) Recv() (StreamEvent, error) {
	for {
		if s.done {
			return StreamEvent{}, io.EOF
		}
		name, data, err := s.next()
		if err != nil {
			return StreamEvent{}, err
		}
		if data == "[DONE]" || name == "done" {
			s.done = true
			return StreamEvent{}, io.EOF
		}
		ev, ok, err := decodeEvent(name, data)
		if err != nil {
			return StreamEvent{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

// next reads one event block: optional "event:" line plus "data:" lines,
// terminated by a blank line or end of input.
func (s *sseStream) next() (name, data string, err error) {
	var dataLines []string
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" {
			if name != "" || len(dataLines) > 0 {
				return name, strings.Join(dataLines, "\n"), nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", "", &RequestError{Op: "read stream", Err: err}
	}
	if name != "" || len(dataLines) > 0 {
		return name, strings.Join(dataLines, "\n"), nil
	}
	s.done = true
	return "", "", io.EOF
}

type runPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

type messageDeltaPayload struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEvent(name, data string) (StreamEvent, bool, error) {
	switch {
	case name == "thread.message.delta":
		var p messageDeltaPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return StreamEvent{}, false, &RequestError{Op: "decode stream", Err: fmt.Errorf("%s: %w", name, err)}
		}
		var sb strings.Builder
		for _, part := range p.Delta.Content {
			if part.Type == "text" && part.Text != nil {
				sb.WriteString(part.Text.Value)
			}
		}
		if sb.Len() == 0 {
			return StreamEvent{}, false, nil
		}
		return StreamEvent{Kind: EventDelta, Delta: sb.String()}, true, nil

	case strings.HasPrefix(name, "thread.run.") && !strings.HasPrefix(name, "thread.run.step."):
		var p runPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return StreamEvent{}, false, &RequestError{Op: "decode stream", Err: fmt.Errorf("%s: %w", name, err)}
		}
		status := p.Status
		if status == "" {
			status = strings.TrimPrefix(name, "thread.run.")
		}
		ev := StreamEvent{Kind: EventStatus, OperationID: p.ID, Status: status}
		if p.LastError != nil && p.LastError.Message != "" {
			ev.Err = errors.New(p.LastError.Message)
		}
		return ev, true, nil

	case name == "error":
		var p errorPayload
		msg := data
		if err := json.Unmarshal([]byte(data), &p); err == nil {
			switch {
			case p.Message != "":
				msg = p.Message
			case p.Error != nil && p.Error.Message != "":
				msg = p.Error.Message
			}
		}
		return StreamEvent{Kind: EventError, Err: &RequestError{Op: "stream", Body: msg}}, true, nil
	}
	return StreamEvent{}, false, nil
}
