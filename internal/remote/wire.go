package remote

import (
	"encoding/json"
	"io"
)

// maxLineBytes bounds one request or response line.
const maxLineBytes = 4 << 20

type callRequest struct {
	Operation string          `json:"operation"`
	Request   json.RawMessage `json:"request,omitempty"`
}

type callResponse struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func writeLine(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
