package bundle

import (
	"errors"
	"regexp"
	"strings"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/schema"
)

// Section headings a briefing must contain, matched case-insensitively.
const (
	SectionTechnical = "technical narrative"
	SectionBroad     = "broad narrative"
)

var (
	headerLine   = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9 _-]*?)\s*:\s*(.*)$`)
	trailingNote = regexp.MustCompile(`\s+#\s.*$`)
	headingLine  = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*#*\s*$`)
)

// ParseBriefing parses briefing markdown: a "Key: value" header block
// followed by the technical and broad narrative sections.
//
// The header may start with a "# Title" line. Keys may be bulleted with "- "
// or "* " and wrapped in **bold**; a trailing " # note" is dropped. Keys are
// matched to the schema case-insensitively.
func ParseBriefing(path, runID string, data []byte) (*ir.Briefing, []error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	var (
		errs        []error
		headerLines []string
		sections    = make(map[string][]string)
		current     string
		inHeader    = true
		seenTitle   bool
	)
	for _, line := range lines {
		// Headings below level 2 belong to the section body.
		if m := headingLine.FindStringSubmatch(line); m != nil && len(m[1]) <= 2 {
			level := len(m[1])
			if inHeader && level == 1 && !seenTitle && len(headerLines) == 0 {
				seenTitle = true
				continue
			}
			inHeader = false
			current = strings.ToLower(strings.TrimSpace(m[2]))
			if _, dup := sections[current]; !dup {
				sections[current] = []string{}
			}
			continue
		}
		if inHeader {
			headerLines = append(headerLines, line)
			continue
		}
		if current != "" {
			sections[current] = append(sections[current], line)
		}
	}

	cells := make(map[string]string)
	for _, line := range headerLines {
		key, value, ok := parseHeaderLine(line)
		if !ok {
			continue
		}
		cells[canonicalHeaderKey(key)] = value
	}

	rec, err := schema.ValidateStrings(schema.KindBriefing, "", cells)
	if err != nil {
		errs = append(errs, &ParseError{Kind: SchemaViolation, Path: path, Message: "briefing header", Err: err})
	}

	b := &ir.Briefing{
		RunID:  runID,
		Header: strings.TrimSpace(strings.Join(headerLines, "\n")),
	}
	if rec != nil {
		b.Version = rec.String("Version")
		b.Date = rec.String("Date")
		b.HeaderFields = rec.Fields
		if declared := rec.String("Run"); declared != "" && declared != runID {
			errs = append(errs, newError(IdentityMismatch, path, "briefing Run %q does not match run %q", declared, runID))
		}
	}

	for _, name := range []string{SectionTechnical, SectionBroad} {
		body, ok := sections[name]
		if !ok {
			errs = append(errs, newError(MissingSection, path, "missing section %q", "## "+titleCase(name)))
			continue
		}
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if name == SectionTechnical {
			b.Technical = text
		} else {
			b.Broad = text
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return b, nil
}

// parseHeaderLine extracts a key/value pair from one header line.
func parseHeaderLine(line string) (string, string, bool) {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "#") || strings.HasPrefix(s, "<!--") {
		return "", "", false
	}
	for _, bullet := range []string{"- ", "* ", "+ "} {
		s = strings.TrimPrefix(s, bullet)
	}
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")

	m := headerLine.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	value := trailingNote.ReplaceAllString(m[2], "")
	value = strings.Trim(strings.TrimSpace(value), "`")
	return strings.TrimSpace(m[1]), value, true
}

// canonicalHeaderKey maps a written key to its declared spelling.
func canonicalHeaderKey(key string) string {
	def, ok := schema.Default().Definition(schema.KindBriefing, "")
	if !ok {
		return key
	}
	for _, f := range def.Fields {
		if strings.EqualFold(f.Name, key) {
			return f.Name
		}
	}
	return key
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// IsMissingSection reports whether err is a MissingSection parse error.
func IsMissingSection(err error) bool {
	return errors.Is(err, &ParseError{Kind: MissingSection})
}
