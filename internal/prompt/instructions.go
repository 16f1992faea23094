package prompt

import (
	"fmt"
	"strings"

	"github.com/tdimino/claudicle/internal/extract"
	"github.com/tdimino/claudicle/internal/memory"
)

// FieldInstruction describes how to write one reply section.
func FieldInstruction(f extract.Field) string {
	switch f {
	case extract.FieldMonologue:
		return fmt.Sprintf(`<monologue verb="...">Your private reasoning about this message. The user never sees it.</monologue>
  verb: one word for how you thought, such as %s.`, verbList(extract.MonologueVerbs))
	case extract.FieldReply:
		return fmt.Sprintf(`<reply verb="...">The message the user will see.</reply>
  verb: one word for how you spoke, such as %s.`, verbList(extract.DialogueVerbs))
	case extract.FieldUserModelCheck:
		return `<user_model_check>true or false</user_model_check>
  true only if this message taught you something new and lasting about the person.`
	case extract.FieldUserModelUpdate:
		return `<user_model_update note="one line describing what changed">The complete updated profile in markdown.</user_model_update>
  Only when user_model_check is true. Rewrite the whole profile, keeping its section headings.`
	case extract.FieldStateCheck:
		return `<state_check>true or false</state_check>
  true if the current project, task, topic, mood or conversation summary has changed.`
	case extract.FieldStateUpdate:
		return fmt.Sprintf(`<state_update>
key: value
</state_update>
  Only when state_check is true. One line per changed key. Allowed keys: %s.`, strings.Join(memory.StateKeys(), ", "))
	}
	return ""
}

// InstructionBlock lists the sections expected this turn. The state sections appear
// only when a state check is requested. The profile update section and the review
// reminder need the profile in the prompt, since an update replaces it whole.
func InstructionBlock(stateCheck, profileReview, profileShown bool) string {
	fields := []extract.Field{
		extract.FieldMonologue,
		extract.FieldReply,
		extract.FieldUserModelCheck,
	}
	if profileShown {
		fields = append(fields, extract.FieldUserModelUpdate)
	}
	if stateCheck {
		fields = append(fields, extract.FieldStateCheck, extract.FieldStateUpdate)
	}

	var b strings.Builder
	b.WriteString("## Response Format\n")
	b.WriteString("Answer with these sections in this order. Booleans are the literal words true or false.\n")
	for _, f := range fields {
		b.WriteString("\n")
		b.WriteString(FieldInstruction(f))
		b.WriteString("\n")
	}
	if profileReview && profileShown {
		b.WriteString("\nIt has been a while since you reviewed what you know about this person. Read their profile again and update it if anything is stale.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func verbList(verbs []string) string {
	if len(verbs) > 6 {
		verbs = verbs[:6]
	}
	return strings.Join(verbs, ", ")
}
