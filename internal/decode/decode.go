// Package decode turns model output into typed artifact payloads.
//
// Model responses are JSON in theory and almost-JSON in practice. The decoder
// tries progressively more aggressive recovery layers and reports which one
// produced the value; it never returns an error to the caller. Out-of-range
// enum values are coerced to the field's default member rather than rejected.
// A payload that survives no layer comes back as the target's zero value with
// Failed set.
package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/torii/kakunin/internal/models"
)

// Result describes how a payload was decoded.
type Result struct {
	Level       models.DecodeLevel
	Failed      bool // no layer produced a usable value
	SchemaValid bool // the returned value passed the codec schema
	Warnings    []string
}

// EnumField constrains one string field to a set of known values. An unknown
// value is replaced by Default instead of failing validation.
type EnumField struct {
	Field   string
	Allowed []string
	Default string
}

func (e EnumField) allowed(v string) bool {
	for _, a := range e.Allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Codec decodes one payload type: a validation schema, the field aliases
// models commonly substitute for that type's canonical names, and the enum
// fields to constrain.
type Codec struct {
	schema  *jsonschema.Schema
	aliases map[string]string
	enums   []EnumField
}

// NewCodec compiles schemaJSON and returns a codec using the given aliases
// and enum constraints.
func NewCodec(schemaJSON []byte, aliases map[string]string, enums ...EnumField) (*Codec, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Codec{schema: schema, aliases: aliases, enums: enums}, nil
}

// candidate is a document that parsed into the target type but did not pass
// schema validation. The first one found is kept: if no later layer produces
// a schema-valid document, the candidate is still better than nothing.
type candidate struct {
	level    models.DecodeLevel
	doc      string
	warnings []string
}

// Decode parses raw into target, trying each recovery layer in order. A layer
// wins when its document both unmarshals into the target type and passes the
// codec schema; a document that unmarshals but fails the schema is kept as a
// last-resort candidate so later layers (alias mapping in particular) get a
// chance to produce the canonical field names.
func (c *Codec) Decode(raw string, target interface{}) Result {
	cleaned := stripFences(raw)
	var best *candidate

	try := func(level models.DecodeLevel, doc string, warnings []string) (Result, bool) {
		doc, enumWarnings := c.normalizeEnums(doc)
		warnings = append(warnings, enumWarnings...)
		zero(target)
		if err := json.Unmarshal([]byte(doc), target); err != nil {
			return Result{}, false
		}
		if err := c.validate(doc); err != nil {
			if best == nil {
				best = &candidate{level: level, doc: doc,
					warnings: append(warnings, fmt.Sprintf("schema validation: %v", err))}
			}
			return Result{}, false
		}
		return Result{Level: level, SchemaValid: true, Warnings: warnings}, true
	}

	if res, ok := try(models.DecodeDirect, cleaned, nil); ok {
		return res
	}

	repaired := repair(cleaned)
	if repaired != cleaned {
		if res, ok := try(models.DecodeRepaired, repaired,
			[]string{"payload required syntax repair"}); ok {
			return res
		}
	}

	if fragment, ok := extractPartial(repaired); ok {
		if res, ok := try(models.DecodePartial, fragment,
			[]string{"payload recovered from a partial object"}); ok {
			return res
		}
	}

	if remapped, ok := c.remapAliases(repaired); ok {
		if res, ok := try(models.DecodeAliased, string(remapped),
			[]string{"payload field names were aliased"}); ok {
			return res
		}
	}

	// No schema-valid document. A parseable candidate still carries signal;
	// return it with SchemaValid false so the caller can flag the artifact
	// for review rather than discarding it.
	if best != nil {
		zero(target)
		if err := json.Unmarshal([]byte(best.doc), target); err == nil {
			return Result{Level: best.level, Warnings: best.warnings}
		}
	}

	zero(target)
	return Result{
		Level:    models.DecodeFallback,
		Failed:   true,
		Warnings: []string{"payload could not be decoded"},
	}
}

func (c *Codec) validate(doc string) error {
	var v interface{}
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return err
	}
	return c.schema.Validate(v)
}

// normalizeEnums rewrites out-of-range enum values in doc to the field's
// default member. A value that only differs in case or surrounding space is
// folded to its canonical form instead.
func (c *Codec) normalizeEnums(doc string) (string, []string) {
	if len(c.enums) == 0 {
		return doc, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return doc, nil
	}
	var warnings []string
	walkEnums(v, c.enums, func(field, raw, replacement string) {
		warnings = append(warnings, fmt.Sprintf("field %s value %q replaced with %q", field, raw, replacement))
	})
	if len(warnings) == 0 {
		return doc, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return doc, nil
	}
	return string(out), warnings
}

func walkEnums(v interface{}, enums []EnumField, onReplace func(field, raw, replacement string)) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			for _, e := range enums {
				if k != e.Field {
					continue
				}
				s, ok := val.(string)
				if !ok {
					continue
				}
				norm := strings.ToLower(strings.TrimSpace(s))
				if !e.allowed(norm) {
					t[k] = e.Default
					onReplace(k, s, e.Default)
				} else if norm != s {
					t[k] = norm
					onReplace(k, s, norm)
				}
			}
			walkEnums(t[k], enums, onReplace)
		}
	case []interface{}:
		for _, val := range t {
			walkEnums(val, enums, onReplace)
		}
	}
}

// zero resets *target so a failed attempt cannot leave stale fields behind.
func zero(target interface{}) {
	rv := reflect.ValueOf(target)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
	}
}

// remapAliases parses doc as a generic value, renames aliased keys at every
// depth, and returns the remarshaled bytes.
func (c *Codec) remapAliases(doc string) ([]byte, bool) {
	if len(c.aliases) == 0 {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		// Fall back to the partial fragment if the full document won't parse.
		fragment, ok := extractPartial(doc)
		if !ok {
			return nil, false
		}
		if err := json.Unmarshal([]byte(fragment), &v); err != nil {
			return nil, false
		}
	}
	remapped := renameKeys(v, c.aliases)
	out, err := json.Marshal(remapped)
	if err != nil {
		return nil, false
	}
	return out, true
}

func renameKeys(v interface{}, aliases map[string]string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			key := k
			if canonical, ok := aliases[strings.ToLower(k)]; ok {
				key = canonical
			}
			if _, exists := out[key]; !exists {
				out[key] = renameKeys(val, aliases)
			}
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = renameKeys(val, aliases)
		}
		return t
	default:
		return v
	}
}

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)\\s*```")

// stripFences removes a markdown code fence wrapper and unwraps
// double-encoded payloads (a JSON string whose content is the document).
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		if inner, err := strconv.Unquote(s); err == nil {
			trimmed := strings.TrimSpace(inner)
			if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
				return trimmed
			}
		}
	}
	return s
}
