package mcp

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// event is one dispatched Server-Sent Event.
type event struct {
	name string
	id   string
	data string
}

// eventReader decodes a text/event-stream body. Both the SSE transport's
// long-lived stream and streamable HTTP response bodies use it.
type eventReader struct {
	r *bufio.Reader

	name string
	id   string
	data []string
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// next returns the next event that carries data. Events without a data
// field are discarded. A partial event pending at end of stream is
// returned before io.EOF.
func (er *eventReader) next() (event, error) {
	for {
		line, err := er.r.ReadString('\n')
		if line != "" {
			if ev, ok := er.feed(strings.TrimRight(line, "\r\n")); ok {
				return ev, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(er.data) > 0 {
				return er.dispatch(), nil
			}
			return event{}, err
		}
	}
}

// feed consumes one line and reports whether it completed an event.
func (er *eventReader) feed(line string) (event, bool) {
	if line == "" {
		if len(er.data) == 0 {
			er.name = ""
			return event{}, false
		}
		return er.dispatch(), true
	}
	if strings.HasPrefix(line, ":") {
		return event{}, false
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "data":
		er.data = append(er.data, value)
	case "event":
		er.name = value
	case "id":
		er.id = value
	}
	return event{}, false
}

func (er *eventReader) dispatch() event {
	ev := event{name: er.name, id: er.id, data: strings.Join(er.data, "\n")}
	er.name = ""
	er.data = er.data[:0]
	return ev
}
