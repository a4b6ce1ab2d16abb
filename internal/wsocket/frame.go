package wsocket

import "encoding/json"

// outboundFrame is the wire shape sent on the account WebSocket:
// {method, path, authorization, id, content}. Content is always a
// stringified payload (or omitted) rather than a nested object, matching
// the platform's wire contract.
type outboundFrame struct {
	Method        string `json:"method"`
	Path          string `json:"path"`
	Authorization string `json:"authorization"`
	ID            int64  `json:"id"`
	Content       string `json:"content,omitempty"`
}

// inboundFrame covers both shapes the platform sends: an event
// ({id:0, event, key, responseCode, content}) and an RPC response
// ({id>0, event:"response", responseCode, key:"<METHOD> /ws/<path>", content}).
type inboundFrame struct {
	ID           int64  `json:"id"`
	Event        string `json:"event"`
	Key          string `json:"key"`
	ResponseCode int    `json:"responseCode"`
	Content      string `json:"content"`
}

// isEvent reports whether this frame is an unsolicited event rather than an
// RPC response.
func (f inboundFrame) isEvent() bool { return f.ID == 0 }

// isMigrateResponse detects the platform's migrate-RPC response, which does
// not always carry a correlatable id and must instead be recognised by
// shape.
func (f inboundFrame) isMigrateResponse() bool {
	return f.Event == "response" && f.ResponseCode == 200 && f.Key == "POST /ws/migrate"
}

// decodedContent parses the frame's stringified content, if any, into dst.
// An empty content string decodes to the zero value without error.
func (f inboundFrame) decodedContent(dst interface{}) error {
	if f.Content == "" {
		return nil
	}
	return json.Unmarshal([]byte(f.Content), dst)
}

func encodeContent(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
