package signalr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RefreshMarker prefixes the ticket id in hub message arguments.
const RefreshMarker = "<TICKET_REFRESH>"

// Frame is a persistent-connection message as sent by the message server.
type Frame struct {
	C string       `json:"C,omitempty"`
	M []HubMessage `json:"M"`
}

// HubMessage is one hub invocation inside a frame. A is kept raw because
// the server is free to send non-string arguments, which are ignored.
type HubMessage struct {
	H string            `json:"H"`
	M string            `json:"M"`
	A []json.RawMessage `json:"A"`
}

// MarkerError reports an argument that contains the refresh marker but no
// usable ticket id.
type MarkerError struct {
	Arg string
	Err error
}

func (e *MarkerError) Error() string {
	return fmt.Sprintf("malformed ticket refresh marker %q: %v", e.Arg, e.Err)
}

func (e *MarkerError) Unwrap() error { return e.Err }

// ParseFrame decodes a text frame and returns every ticket id announced by
// a refresh marker, in frame order. Keep-alive frames ("{}") yield nothing.
// A non-nil error slice lists markers that were skipped; the returned ids
// are still valid. The error return is set only when the frame itself is
// not a JSON object.
func ParseFrame(data []byte) (ids []int64, skipped []error, err error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("cannot decode frame: %w", err)
	}

	for _, msg := range f.M {
		for _, raw := range msg.A {
			var arg string
			if json.Unmarshal(raw, &arg) != nil {
				continue
			}
			id, ok, err := ParseRefreshArg(arg)
			if err != nil {
				skipped = append(skipped, err)
				continue
			}
			if ok {
				ids = append(ids, id)
			}
		}
	}
	return ids, skipped, nil
}

// ParseRefreshArg extracts the ticket id trailing the refresh marker.
// ok is false when arg carries no marker at all.
func ParseRefreshArg(arg string) (id int64, ok bool, err error) {
	i := strings.Index(arg, RefreshMarker)
	if i < 0 {
		return 0, false, nil
	}
	rest := strings.TrimSpace(arg[i+len(RefreshMarker):])
	if rest == "" {
		return 0, false, &MarkerError{Arg: arg, Err: fmt.Errorf("missing ticket id")}
	}
	id, err = strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false, &MarkerError{Arg: arg, Err: err}
	}
	if id <= 0 {
		return 0, false, &MarkerError{Arg: arg, Err: fmt.Errorf("ticket id must be positive")}
	}
	return id, true, nil
}
