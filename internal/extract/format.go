package extract

import (
	"fmt"
	"strings"
)

// Format writes r back out in the tagged reply shape, in canonical field order.
// Parse(Format(r)) recovers the same fields.
func Format(r *Result) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	write := func(f Field, attrs, body string) {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "<%s%s>\n%s\n</%s>", f, attrs, body, f)
	}
	verbAttr := func(v string) string {
		if v == "" {
			return ""
		}
		return fmt.Sprintf(` verb="%s"`, v)
	}

	if r.Monologue != "" {
		write(FieldMonologue, verbAttr(r.MonologueVerb), r.Monologue)
	}
	if r.Reply != "" {
		write(FieldReply, verbAttr(r.ReplyVerb), r.Reply)
	}
	if r.UserModelCheck != nil {
		write(FieldUserModelCheck, "", fmt.Sprint(*r.UserModelCheck))
	}
	if r.UserModelUpdate != "" {
		attrs := ""
		if r.ProfileChangeNote != "" {
			attrs = fmt.Sprintf(` note="%s"`, strings.ReplaceAll(r.ProfileChangeNote, `"`, "'"))
		}
		write(FieldUserModelUpdate, attrs, r.UserModelUpdate)
	}
	if r.StateCheck != nil {
		write(FieldStateCheck, "", fmt.Sprint(*r.StateCheck))
	}
	if len(r.StateChanges) > 0 {
		lines := make([]string, len(r.StateChanges))
		for i, c := range r.StateChanges {
			lines[i] = c.Key + ": " + c.Value
		}
		write(FieldStateUpdate, "", strings.Join(lines, "\n"))
	}
	return b.String()
}
