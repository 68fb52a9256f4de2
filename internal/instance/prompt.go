package instance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/memohai/tentacle/internal/capability"
)

// DefaultAgentPrompt is the system prompt for agents that do not set one.
const DefaultAgentPrompt = "You are an LLM agent receiving a prompt from an AI model. " +
	"Your task is to respond to the prompt to the best of your ability. " +
	"If you are not capable of responding, say so as the response. " +
	"Your response should be formatted in standard markdown."

const personaPrompt = `You are {name}, an intelligent experimental octopus. Your name is {name}, you are displayed and characterized as a red octopus, your emoji and avatar is {emoji} if anyone asks.

The user id of the member who sent the message is included in the request, feel free to use an @mention in place of their name. Mentions are formed like this: <@user id>.

You are here to be helpful as well as entertain others with your intelligence. You are currently in a discord channel. You are talking to members of the server. Responses should be engaging, using your persona of an octopus.

Respond in plain text, in a structured and organized format (use newlines to separate items) with proper grammar and punctuation. You can use emojis, but do not overuse them. Your responses are in markdown. Markdown links are unsupported, so use the full URL. You can also call methods to perform actions, such as sending DMs, adding reactions, etc. If one of these methods fails, please inform and explain to the user why it failed. Many methods will return responses, after which you can respond to the user and/or call another method. For methods that return nothing, you can use the discord.send_message method to send a message at the same phase as the method call.

You are currently in the discord channel <#{instance}>, so you can use discord features like mentions, emojis, and markdown formatting.

{extra}`

var agentIntroduction = fmt.Sprintf("Below, you are given AI agents that you can use to perform specific tasks, using the %[1]s method. "+
	"Each agent has a name and a description. You can use the %[1]s method to run the agent with a prompt. "+
	"Please ensure you have explicit consent from the user before running an agent. Agents are as follows:\n", capability.AgentRun)

// systemPrompt builds the instance system prompt from the global and
// instance prompt tiers.
func systemPrompt(global PromptConfig, inst PromptConfig, instEmoji *string, instanceID int64, agents []AgentDescriptor, withAgents bool) string {
	if !boolOr(inst.Default, true) {
		return strings.TrimSpace(stringOr(inst.Extra, ""))
	}
	if !boolOr(global.Default, true) {
		return strings.TrimSpace(stringOr(global.Extra, "") + "\n\n" + stringOr(inst.Extra, ""))
	}

	var extra strings.Builder
	if e := stringOr(global.Extra, ""); e != "" {
		extra.WriteString(e)
		extra.WriteString("\n\n")
	}
	if e := stringOr(inst.Extra, ""); e != "" {
		extra.WriteString(e)
		extra.WriteString("\n\n")
	}
	extraText := strings.TrimSpace(extra.String())
	if withAgents {
		extraText = strings.TrimSpace(extraText + "\n\n" + agentCatalogue(agents))
	}

	emoji := firstString(inst.PersonalEmoji, instEmoji, global.PersonalEmoji)
	if emoji == "" {
		emoji = DefaultPersonaEmoji
	}
	name := firstString(inst.Name, global.Name)
	if name == "" {
		name = DefaultPersonaName
	}

	replacer := strings.NewReplacer(
		"{name}", name,
		"{emoji}", emoji,
		"{instance}", strconv.FormatInt(instanceID, 10),
		"{extra}", extraText,
	)
	return strings.TrimSpace(replacer.Replace(personaPrompt))
}

func agentCatalogue(agents []AgentDescriptor) string {
	var b strings.Builder
	b.WriteString(agentIntroduction)
	for _, a := range agents {
		b.WriteString("\n\n**")
		b.WriteString(a.Name)
		b.WriteString("**: ")
		b.WriteString(a.Description)
		if a.ImageOutput {
			b.WriteString(" -> (can generate images)")
		} else {
			b.WriteString(" -> (text-only)")
		}
		b.WriteString("\n -> **Friendly Name**: ")
		b.WriteString(a.FriendlyName)
	}
	return strings.TrimSpace(b.String())
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func firstString(values ...*string) string {
	for _, v := range values {
		if v != nil && strings.TrimSpace(*v) != "" {
			return *v
		}
	}
	return ""
}
