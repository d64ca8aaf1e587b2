package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrMalformedDocument = errors.New("malformed upstream document")

// MissingFieldError reports a structurally required field absent from an upstream document.
type MissingFieldError struct {
	Family string
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: required field %q is missing", e.Family, e.Field)
}

// document wraps a gjson value with the family name used in errors.
type document struct {
	family string
	root   gjson.Result
}

func parseDocument(family string, data []byte) (document, error) {
	if !gjson.ValidBytes(data) {
		return document{}, fmt.Errorf("%s: %w", family, ErrMalformedDocument)
	}
	return document{family: family, root: gjson.ParseBytes(data)}, nil
}

func joinPath(prefix string, path string) string {
	if prefix == "" {
		return path
	}
	return prefix + "." + path
}

func (d document) missing(path string) error {
	return &MissingFieldError{Family: d.family, Field: path}
}

// required returns the value at path below node, which lives at prefix in the document.
func (d document) required(node gjson.Result, prefix string, path string) (gjson.Result, error) {
	value := node.Get(path)
	if !value.Exists() || value.Type == gjson.Null {
		return value, d.missing(joinPath(prefix, path))
	}
	return value, nil
}

func (d document) requiredString(node gjson.Result, prefix string, path string) (string, error) {
	value, err := d.required(node, prefix, path)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func (d document) requiredInt(node gjson.Result, prefix string, path string) (int, error) {
	value, err := d.required(node, prefix, path)
	if err != nil {
		return 0, err
	}
	return int(value.Int()), nil
}

func (d document) requiredArray(node gjson.Result, prefix string, path string) ([]gjson.Result, error) {
	value, err := d.required(node, prefix, path)
	if err != nil {
		return nil, err
	}
	if !value.IsArray() {
		return nil, d.missing(joinPath(prefix, path))
	}
	return value.Array(), nil
}

func optionalStrings(node gjson.Result, path string) []string {
	value := node.Get(path)
	if !value.IsArray() {
		return []string{}
	}
	out := make([]string, 0, len(value.Array()))
	for _, item := range value.Array() {
		if s := item.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func indexPath(prefix string, index int) string {
	return joinPath(prefix, strconv.Itoa(index))
}

// qualityDescriptions pairs accepted quality ids with their descriptions by position.
type qualityDescription struct {
	ID          int
	Description string
}

func (d document) qualityDescriptions(node gjson.Result, prefix string) ([]qualityDescription, map[int]string, error) {
	ids, err := d.requiredArray(node, prefix, "accept_quality")
	if err != nil {
		return nil, nil, err
	}
	descriptions, err := d.requiredArray(node, prefix, "accept_description")
	if err != nil {
		return nil, nil, err
	}
	pairs := make([]qualityDescription, 0, len(ids))
	lookup := make(map[int]string, len(ids))
	for i, id := range ids {
		if i >= len(descriptions) {
			break
		}
		qn := int(id.Int())
		if _, seen := lookup[qn]; seen {
			continue
		}
		desc := strings.TrimSpace(descriptions[i].String())
		if desc == "" {
			desc = strconv.Itoa(qn)
		}
		lookup[qn] = desc
		pairs = append(pairs, qualityDescription{ID: qn, Description: desc})
	}
	return pairs, lookup, nil
}

func httpsCover(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	return raw
}
