package request

import (
	"encoding/json"
	"net/http"
)

// Response is a completed 2xx exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}
