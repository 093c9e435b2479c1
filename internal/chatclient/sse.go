package chatclient

import (
	"bytes"
	"encoding/json"
	"strings"
)

const dataPrefix = "data: "

// sseDecoder reassembles SSE records from arbitrarily chunked reads. A
// record that arrives split across two reads stays buffered until its
// terminating blank line shows up.
type sseDecoder struct {
	buf bytes.Buffer
}

// feed appends raw bytes and returns every complete event they unlock.
// Records that are not valid JSON are dropped.
func (d *sseDecoder) feed(p []byte) []StreamEvent {
	d.buf.Write(p)

	var events []StreamEvent
	for {
		raw := d.buf.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			return events
		}
		record := string(raw[:idx])
		d.buf.Next(idx + 2)

		for _, line := range strings.Split(record, "\n") {
			if !strings.HasPrefix(line, dataPrefix) {
				continue
			}
			var ev StreamEvent
			if err := json.Unmarshal([]byte(line[len(dataPrefix):]), &ev); err != nil {
				continue
			}
			events = append(events, ev)
		}
	}
}
