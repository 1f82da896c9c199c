package duckchat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Wire framing: the chat endpoint streams records in SSE form. Each record
// is a "data: "-prefixed JSON object; a literal [DONE] terminates the
// stream, optionally followed by a [LIMIT_CONVERSATION] marker.
const (
	recordMarker    = "data: "
	doneMarker      = "[DONE]"
	convLimitMarker = "[LIMIT_CONVERSATION]"
)

// chatRecord is one framed event from the chat stream.
type chatRecord struct {
	Action  string `json:"action,omitempty"`
	Type    string `json:"type,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// parseRecords decodes a complete response body in one pass: strip the
// record markers, drop the terminator and any trailing conversation-limit
// marker, wrap the remaining records in a JSON array and decode it whole.
func parseRecords(body []byte) ([]chatRecord, error) {
	var raws [][]byte
	for _, part := range bytes.Split(bytes.TrimSpace(body), []byte("\n\n")) {
		part = bytes.TrimPrefix(bytes.TrimSpace(part), []byte(recordMarker))
		if len(part) == 0 ||
			bytes.HasPrefix(part, []byte(doneMarker)) ||
			bytes.HasPrefix(part, []byte(convLimitMarker)) {
			continue
		}
		raws = append(raws, part)
	}

	joined := append([]byte("["), bytes.Join(raws, []byte(","))...)
	joined = append(joined, ']')

	var records []chatRecord
	if err := json.Unmarshal(joined, &records); err != nil {
		return nil, &ProtocolError{Message: "couldn't parse body", Raw: string(body)}
	}
	return records, nil
}

// scanRecords reads the transport as a line-oriented stream and decodes each
// record the moment its line arrives, stopping at the terminator. yield sees
// every record, including embedded error records.
func scanRecords(r io.Reader, yield func(chatRecord) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte(recordMarker)) {
			continue
		}
		chunk := bytes.TrimPrefix(line, []byte(recordMarker))
		if bytes.HasPrefix(chunk, []byte(doneMarker)) {
			return nil
		}

		var rec chatRecord
		if err := json.Unmarshal(chunk, &rec); err != nil {
			return &ProtocolError{Message: "couldn't parse chunk", Raw: string(chunk)}
		}
		if err := yield(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read chat stream: %w", err)
	}
	return nil
}
