package agent

import (
	"strings"

	"synapse/pkg/capability"
)

// capabilityPolicy is the fixed policy block explaining dynamic capability
// activation to the model. It is present in every system message so the
// model knows activated guidance may appear mid-conversation.
const capabilityPolicy = "Specialized capabilities (extra instructions and tool families) are " +
	"activated for you automatically based on the conversation. When new " +
	"guidance appears below, follow it for the rest of the conversation."

// BuildSystemPrompt concatenates the system message of a run: base
// instructions, the capability-usage policy block, activated tool-usage
// guidance, activated fragment text, and an optional strategy notice.
func BuildSystemPrompt(base string, reg *capability.Registry, fragments, toolTypes []string, notice string) string {
	sections := []string{strings.TrimSpace(base), capabilityPolicy}

	if guidance := reg.ToolGuidance(toolTypes); guidance != "" {
		sections = append(sections, "## Tool guidance\n\n"+guidance)
	}
	if text := reg.Compose(fragments); text != "" {
		sections = append(sections, "## Active instructions\n\n"+text)
	}
	if notice != "" {
		sections = append(sections, "## Strategy notice\n\n"+notice)
	}

	var kept []string
	for _, s := range sections {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n")
}
