package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

const maxBodyBytes = 8 << 20

func DecodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

// BodyParams reads a form-style body the way the player sends it: pairs split on
// '&', each split on its first '='. Values are not percent-decoded. Pairs with an
// empty key or value are dropped and a repeated key keeps its last value.
func BodyParams(r *http.Request) (map[string]string, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return ParseBodyParams(string(body)), nil
}

func ParseBodyParams(body string) map[string]string {
	params := make(map[string]string)
	for _, pair := range strings.Split(body, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" || value == "" {
			continue
		}
		params[key] = value
	}
	return params
}
