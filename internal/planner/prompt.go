package planner

import (
	"strings"
)

// systemPrompt renders the planning instructions with the current tool
// catalog. The catalog is rebuilt per call so late tool registrations
// are visible without restarting the planner.
func (p *Planner) systemPrompt() string {
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString("\n\nAvailable tools:\n")
	for _, spec := range p.registry.List() {
		b.WriteString("- ")
		b.WriteString(spec.Name)
		if spec.Description != "" {
			b.WriteString(": ")
			b.WriteString(spec.Description)
		}
		if len(spec.InSchema) > 0 {
			b.WriteString("\n  params schema: ")
			b.Write(spec.InSchema)
		}
		b.WriteString("\n")
	}
	b.WriteString(promptExamples)
	return b.String()
}

const promptHeader = `You are a planning engine. Compile the user's goal into a JSON task
plan. Reply with ONLY a JSON document, no prose, no code fences.

Rules:
- The document has a "goal" string and a "tasks" array.
- Each task: "id" (unique, [a-zA-Z0-9_-]{1,64}), "tool" (one of the
  available tools), optional "params" object, optional "depends_on"
  array of earlier task ids, optional "timeout_seconds", optional
  "max_retries" (0-10).
- A task param string may reference an earlier task's output with
  {{task.<id>.output}}; every referenced task must appear in that
  task's depends_on.
- depends_on order matters: the LAST listed dependency provides the
  working context the task starts from.
- No cycles. Keep plans minimal: do not add tasks the goal does not
  need.`

const promptExamples = `
Examples:

Goal: summarize the design doc and save the summary
{"goal":"summarize the design doc and save the summary","tasks":[
 {"id":"read","tool":"context.read","params":{"key":"docs/design"}},
 {"id":"summarize","tool":"llm.generate","params":{"prompt":"Summarize:\n{{task.read.output}}"},"depends_on":["read"]},
 {"id":"save","tool":"context.write","params":{"key":"docs/design-summary","content":"{{task.summarize.output}}"},"depends_on":["summarize"]}]}

Goal: compare the two drafts
{"goal":"compare the two drafts","tasks":[
 {"id":"a","tool":"context.read","params":{"key":"drafts/a"}},
 {"id":"b","tool":"context.read","params":{"key":"drafts/b"}},
 {"id":"diff","tool":"llm.generate","params":{"prompt":"Compare:\nA: {{task.a.output}}\nB: {{task.b.output}}"},"depends_on":["a","b"]}]}`
