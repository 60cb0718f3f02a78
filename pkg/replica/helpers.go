package replica

import (
	"encoding/json"
	"time"
)

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func marshalOrEmpty(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
