package extract

import "strings"

type openTag struct {
	field       Field
	attrs       map[string]string
	end         int
	selfClosing bool
}

// scan walks raw once. Recognized sections are returned in order; everything else,
// including unknown tags, is returned as leftover text. An unterminated section runs
// until the next recognized opening tag or the end of input.
func scan(raw string) ([]Section, string) {
	var (
		sections []Section
		leftover strings.Builder
	)
	i := 0
	for i < len(raw) {
		lt := strings.IndexByte(raw[i:], '<')
		if lt < 0 {
			leftover.WriteString(raw[i:])
			break
		}
		lt += i
		leftover.WriteString(raw[i:lt])

		if _, end, ok := parseCloseTag(raw, lt); ok {
			// stray closing tag
			i = end
			continue
		}
		tag, ok := parseOpenTag(raw, lt)
		if !ok {
			leftover.WriteByte('<')
			i = lt + 1
			continue
		}

		sec := Section{Field: tag.field, Attrs: tag.attrs, Verb: NormalizeVerb(tag.attrs["verb"])}
		if tag.selfClosing {
			sections = append(sections, sec)
			i = tag.end
			continue
		}
		bodyEnd, next := findBodyEnd(raw, tag.end, tag.field)
		sec.Text = strings.TrimSpace(raw[tag.end:bodyEnd])
		sections = append(sections, sec)
		i = next
	}
	return sections, leftover.String()
}

// findBodyEnd locates the end of a section body starting at from. It returns the body
// end and the position to resume scanning at.
func findBodyEnd(raw string, from int, field Field) (int, int) {
	i := from
	for i < len(raw) {
		lt := strings.IndexByte(raw[i:], '<')
		if lt < 0 {
			break
		}
		lt += i
		if f, end, ok := parseCloseTag(raw, lt); ok && f == field {
			return lt, end
		}
		if _, ok := parseOpenTag(raw, lt); ok {
			return lt, lt
		}
		i = lt + 1
	}
	return len(raw), len(raw)
}

func parseOpenTag(raw string, lt int) (openTag, bool) {
	j := lt + 1
	name, j := readName(raw, j)
	if name == "" {
		return openTag{}, false
	}
	field, ok := LookupField(name)
	if !ok {
		return openTag{}, false
	}

	tag := openTag{field: field, attrs: map[string]string{}}
	for {
		j = skipSpace(raw, j)
		if j >= len(raw) {
			return openTag{}, false
		}
		switch {
		case raw[j] == '>':
			tag.end = j + 1
			return tag, true
		case strings.HasPrefix(raw[j:], "/>"):
			tag.end = j + 2
			tag.selfClosing = true
			return tag, true
		case raw[j] == '<':
			return openTag{}, false
		}

		var key string
		key, j = readName(raw, j)
		if key == "" {
			return openTag{}, false
		}
		j = skipSpace(raw, j)
		value := ""
		if j < len(raw) && raw[j] == '=' {
			j = skipSpace(raw, j+1)
			var ok bool
			value, j, ok = readValue(raw, j)
			if !ok {
				return openTag{}, false
			}
		}
		tag.attrs[strings.ToLower(key)] = value
	}
}

func parseCloseTag(raw string, lt int) (Field, int, bool) {
	if lt+1 >= len(raw) || raw[lt+1] != '/' {
		return "", 0, false
	}
	name, j := readName(raw, lt+2)
	if name == "" {
		return "", 0, false
	}
	field, ok := LookupField(name)
	if !ok {
		return "", 0, false
	}
	j = skipSpace(raw, j)
	if j >= len(raw) || raw[j] != '>' {
		return "", 0, false
	}
	return field, j + 1, true
}

func readName(raw string, j int) (string, int) {
	start := j
	for j < len(raw) && isNameByte(raw[j]) {
		j++
	}
	return raw[start:j], j
}

func readValue(raw string, j int) (string, int, bool) {
	if j >= len(raw) {
		return "", j, false
	}
	if q := raw[j]; q == '"' || q == '\'' {
		end := strings.IndexByte(raw[j+1:], q)
		if end < 0 {
			return "", j, false
		}
		return raw[j+1 : j+1+end], j + end + 2, true
	}
	start := j
	for j < len(raw) && raw[j] != '>' && raw[j] != '<' && !isSpace(raw[j]) && !strings.HasPrefix(raw[j:], "/>") {
		j++
	}
	return raw[start:j], j, j > start
}

func skipSpace(raw string, j int) int {
	for j < len(raw) && isSpace(raw[j]) {
		j++
	}
	return j
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isNameByte(b byte) bool {
	return b == '_' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
