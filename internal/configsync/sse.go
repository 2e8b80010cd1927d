package configsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// PushMessage is one server-sent event from the push channel. ETag and
// LastModified are decoded from a JSON data payload when present.
type PushMessage struct {
	ID           string `json:"-"`
	Event        string `json:"-"`
	Data         string `json:"-"`
	Type         string `json:"type,omitempty"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

// parseSSE reads a text/event-stream: id, event and data fields, dispatch on
// a blank line, multi-line data joined with "\n". It returns nil at EOF.
func parseSSE(ctx context.Context, r *bufio.Reader, dispatch func(PushMessage)) error {
	var (
		id        string
		eventType string
		dataLines []string
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				dispatch(newPushMessage(id, eventType, strings.Join(dataLines, "\n")))
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}

func newPushMessage(id, eventType, data string) PushMessage {
	msg := PushMessage{ID: id, Event: eventType, Data: data}
	if strings.HasPrefix(data, "{") {
		var body PushMessage
		if json.Unmarshal([]byte(data), &body) == nil {
			msg.Type = body.Type
			msg.ETag = body.ETag
			msg.LastModified = body.LastModified
		}
	}
	return msg
}
