package rag

import (
	"fmt"

	"github.com/minesafe/whs-rag/pkg/llm"
)

const systemPrompt = "You are a mining work health and safety assistant for Australian operations. " +
	"Use ONLY the provided context, which comes from Safe Work Australia, " +
	"Resources Safety & Health Queensland, NSW Resources Regulator and similar bodies. " +
	"Do not invent laws or controls. If something is not in the context, say you " +
	"cannot answer from the given documents.\n\n" +
	"Respond as a short checklist:\n" +
	"- Use 3–7 bullet points.\n" +
	"- Each bullet must be a clear, actionable step.\n" +
	"- Use simple, practical language for frontline workers and supervisors.\n" +
	"- Indicate when work should be stopped and the issue escalated to a supervisor or safety team.\n\n" +
	"Do not give legal advice. Stay within the provided WHS context."

const citationInstruction = "Using only this context, answer as a short checklist. " +
	"Provide 3–7 bullet points with clear, actionable steps. " +
	"Where relevant, mention when to stop work and escalate. " +
	"When you refer to specific context, use the source numbers in square " +
	"brackets like [1], [2], etc."

// SystemPrompt returns the fixed instruction sent ahead of every question.
func SystemPrompt() string { return systemPrompt }

// BuildMessages returns the system and user messages for one question.
// An empty context is still sent; the model is told to refuse in that case.
func BuildMessages(query, contextText string) []llm.Message {
	user := fmt.Sprintf("Question:\n%s\n\nContext from regulations and incident reports:\n%s\n\n%s",
		query, contextText, citationInstruction)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: user},
	}
}
