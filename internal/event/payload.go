package event

import "encoding/json"

func marshalPayload(payload map[string]any) ([]byte, error) {
	return json.Marshal(payload)
}
