package remote

import (
	"fmt"
	"strconv"
	"strings"
)

// maxTextChunk is the longest content a single rich text object may carry.
const maxTextChunk = 2000

type textContent struct {
	Content string `json:"content"`
}

type richText struct {
	Type      string      `json:"type"`
	Text      textContent `json:"text"`
	PlainText string      `json:"plain_text,omitempty"`
}

type selectValue struct {
	Name string `json:"name"`
}

// propertyValue is the wire form of one property value. Exactly one of the
// typed fields is set, chosen by Type.
type propertyValue struct {
	Type     PropertyType `json:"type,omitempty"`
	Title    []richText   `json:"title,omitempty"`
	RichText []richText   `json:"rich_text,omitempty"`
	Number   *float64     `json:"number,omitempty"`
	Select   *selectValue `json:"select,omitempty"`
	Status   *selectValue `json:"status,omitempty"`
}

// encodeProperty converts a compiled cell into the wire form of a property.
// Empty values clear the property.
func encodeProperty(p Property, value string) (map[string]any, error) {
	switch p.Type {
	case TypeTitle:
		return map[string]any{"title": chunkText(value)}, nil
	case TypeNumber:
		if strings.TrimSpace(value) == "" {
			return map[string]any{"number": nil}, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("property %q: %q is not a number", p.Name, value)
		}
		return map[string]any{"number": f}, nil
	case TypeSelect, TypeStatus:
		if value == "" {
			return map[string]any{string(p.Type): nil}, nil
		}
		if !p.Allows(value) {
			return nil, fmt.Errorf("property %q: %q is not one of %v", p.Name, value, p.Options)
		}
		return map[string]any{string(p.Type): selectValue{Name: value}}, nil
	default:
		return map[string]any{"rich_text": chunkText(value)}, nil
	}
}

// encodeProperties converts a set of compiled cells using a database schema.
// Cells without a matching property are skipped.
func encodeProperties(schema *DatabaseSchema, values map[string]string) (map[string]any, error) {
	props := make(map[string]any, len(values))
	for name, v := range values {
		p, ok := schema.Property(name)
		if !ok {
			continue
		}
		enc, err := encodeProperty(p, v)
		if err != nil {
			return nil, err
		}
		props[name] = enc
	}
	return props, nil
}

// chunkText splits s into rich text objects of at most maxTextChunk runes.
// The remote rejects longer objects.
func chunkText(s string) []richText {
	if s == "" {
		return []richText{}
	}
	var out []richText
	runes := []rune(s)
	for len(runes) > 0 {
		n := min(len(runes), maxTextChunk)
		out = append(out, richText{Type: "text", Text: textContent{Content: string(runes[:n])}})
		runes = runes[n:]
	}
	return out
}

// decodeProperty renders a property value back into compiled text.
func decodeProperty(v propertyValue) string {
	switch {
	case v.Title != nil:
		return joinText(v.Title)
	case v.RichText != nil:
		return joinText(v.RichText)
	case v.Number != nil:
		return strconv.FormatFloat(*v.Number, 'f', -1, 64)
	case v.Select != nil:
		return v.Select.Name
	case v.Status != nil:
		return v.Status.Name
	}
	return ""
}

func joinText(parts []richText) string {
	var b strings.Builder
	for _, p := range parts {
		if p.PlainText != "" {
			b.WriteString(p.PlainText)
			continue
		}
		b.WriteString(p.Text.Content)
	}
	return b.String()
}

// keyFilter builds the query filter that matches a key property exactly.
func keyFilter(p Property, key string) (map[string]any, error) {
	switch p.Type {
	case TypeTitle:
		return map[string]any{"property": p.Name, "title": map[string]any{"equals": key}}, nil
	case TypeNumber:
		f, err := strconv.ParseFloat(key, 64)
		if err != nil {
			return nil, fmt.Errorf("key %q of number property %q is not a number", key, p.Name)
		}
		return map[string]any{"property": p.Name, "number": map[string]any{"equals": f}}, nil
	default:
		return map[string]any{"property": p.Name, "rich_text": map[string]any{"equals": key}}, nil
	}
}
