// Package workflow loads node-graph templates from disk and injects
// caller-supplied parameters before submission to the engine.
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	ErrTemplateNotFound = errors.New("template_not_found")
	ErrTemplateInvalid  = errors.New("template_invalid")
)

// ParamTarget is one entry of meta.json's params_map: where a named
// parameter lands inside the template graph.
type ParamTarget struct {
	NodeID string `json:"node_id"`
	Field  string `json:"field"`
}

// Template is a raw node graph plus its parameter mapping.
type Template struct {
	Raw    []byte
	Params map[string]ParamTarget
}

// LoadTemplate reads <dir>/<appID>/template.json and, if present, the
// params_map from the sibling meta.json. Files may carry a UTF-8 BOM.
func LoadTemplate(dir, appID string) (*Template, error) {
	raw, err := readJSONFile(filepath.Join(dir, appID, "template.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, appID)
		}
		return nil, fmt.Errorf("%w: %v", ErrTemplateInvalid, err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: %s/template.json is not valid json", ErrTemplateInvalid, appID)
	}

	tpl := &Template{Raw: raw, Params: map[string]ParamTarget{}}

	metaRaw, err := readJSONFile(filepath.Join(dir, appID, "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return tpl, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrTemplateInvalid, err)
	}
	var meta struct {
		ParamsMap map[string]ParamTarget `json:"params_map"`
	}
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("%w: %s/meta.json: %v", ErrTemplateInvalid, appID, err)
	}
	if meta.ParamsMap != nil {
		tpl.Params = meta.ParamsMap
	}
	return tpl, nil
}

// ApplyInputs returns a copy of the template with the caller's parameters
// injected. Inputs come in two shapes: a list of
// {nodeId, fieldName, fieldValue} objects, or a flat object whose keys are
// resolved through the params_map, then the "node:Type.field" and
// "node.field" conventions. Unresolvable keys are skipped, matching the
// forgiving behavior callers rely on.
func (t *Template) ApplyInputs(inputs []byte) ([]byte, error) {
	out := append([]byte(nil), t.Raw...)
	if len(bytes.TrimSpace(inputs)) == 0 {
		return out, nil
	}
	parsed := gjson.ParseBytes(inputs)

	if parsed.IsArray() {
		var err error
		parsed.ForEach(func(_, item gjson.Result) bool {
			nodeID := strings.TrimSpace(firstString(item, "nodeId", "node_id", "id"))
			field := strings.TrimSpace(firstString(item, "fieldName", "field"))
			if nodeID == "" || field == "" {
				return true
			}
			out, err = setNodeInput(out, nodeID, field, coerceValue(item.Get("fieldValue")))
			return err == nil
		})
		return out, err
	}

	if !parsed.IsObject() {
		return out, nil
	}

	var err error
	parsed.ForEach(func(key, val gjson.Result) bool {
		name := key.String()
		value := coerceValue(val)

		if target, ok := t.Params[name]; ok {
			nodeID := strings.TrimSpace(target.NodeID)
			field := strings.TrimSpace(target.Field)
			if nodeID == "" || field == "" || !nodeExists(out, nodeID) {
				return true
			}
			path := escapeKey(nodeID)
			for _, part := range strings.Split(field, ".") {
				path += "." + escapeKey(part)
			}
			out, err = sjson.SetBytes(out, path, value)
			return err == nil
		}

		if node, rest, found := strings.Cut(name, ":"); found {
			field := rest
			if i := strings.LastIndex(rest, "."); i >= 0 {
				field = rest[i+1:]
			}
			if node = strings.TrimSpace(node); node != "" && strings.TrimSpace(field) != "" {
				out, err = setNodeInput(out, node, strings.TrimSpace(field), value)
			}
			return err == nil
		}

		if node, field, found := strings.Cut(name, "."); found {
			node, field = strings.TrimSpace(node), strings.TrimSpace(field)
			if node != "" && field != "" {
				out, err = setNodeInput(out, node, field, value)
			}
			return err == nil
		}
		return true
	})
	return out, err
}

// setNodeInput writes <node>.inputs.<field>, but only for nodes the
// template actually contains. Unknown nodes are ignored.
func setNodeInput(raw []byte, nodeID, field string, value any) ([]byte, error) {
	if !nodeExists(raw, nodeID) {
		return raw, nil
	}
	return sjson.SetBytes(raw, escapeKey(nodeID)+".inputs."+escapeKey(field), value)
}

func nodeExists(raw []byte, nodeID string) bool {
	return gjson.GetBytes(raw, escapeKey(nodeID)).Exists()
}

// escapeKey makes a literal object key safe to use as a gjson/sjson path
// component. Node ids are usually plain digits, but nothing enforces that.
func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// coerceValue turns string-typed parameters into the scalar they spell:
// "true"/"false" become booleans, numeric strings become numbers, anything
// else stays a string. Non-string JSON values pass through unchanged.
func coerceValue(v gjson.Result) any {
	if v.Type != gjson.String {
		return v.Value()
	}
	raw := strings.TrimSpace(v.String())
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	case "":
		return ""
	}
	if strings.Contains(raw, ".") {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
		return v.String()
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return v.String()
}

func firstString(item gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := item.Get(k); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// readJSONFile reads a file and strips a leading UTF-8 BOM, which the
// template exporters sometimes emit.
func readJSONFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF}), nil
}
