package dispatch

import (
	"encoding/json"
	"net/http"
)

func decodeJSON(r *http.Request, v any) {
	_ = json.NewDecoder(r.Body).Decode(v)
}
