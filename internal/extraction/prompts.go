package extraction

import (
	"fmt"
	"strings"

	"github.com/sells-group/pageindex/internal/model"
)

const batchSystemPrompt = `You extract facts from document excerpts. Answer strictly from the supplied context.
Every answer must cite the page number and a verbatim quote from the context. If the context does not contain the
answer, reply with the answer "not found", confidence 0 and no citations. Never guess.`

const individualSystemPrompt = `You answer questions that need cross-referencing or careful reasoning over document
excerpts. Work step by step: locate every relevant passage, compare them, then answer. Answer strictly from the
supplied context and cite the page number and a verbatim quote for every fact you rely on. If the context does not
contain the answer, reply with the answer "not found", confidence 0 and no citations.`

const batchSchema = `Reply with JSON only:
{"answers": [
  {"question_id": "<id>", "answer": "<answer>", "confidence": <0.0-1.0>,
   "citations": [{"page_number": <page>, "section_title": "<section>", "section_type": "<type>", "verbatim_quote": "<exact text>"}]}
]}
Answer every question id exactly once.`

const individualSchema = `Reply with JSON only:
{"question_id": "<id>", "reasoning": "<step-by-step justification>", "answer": "<answer>", "confidence": <0.0-1.0>,
 "citations": [{"page_number": <page>, "section_title": "<section>", "section_type": "<type>", "verbatim_quote": "<exact text>"}]}`

// typeHint tells the model how to shape an answer.
func typeHint(expected string) string {
	switch expected {
	case model.ExpectedBooleanWithDetail:
		return `Start with "Yes" or "No", then give the supporting detail.`
	case model.ExpectedList:
		return "Answer with every item, separated by commas."
	case model.ExpectedDate:
		return "Answer with the date as written in the document."
	case model.ExpectedNumber:
		return "Answer with the number and its unit."
	default:
		return ""
	}
}

func formatQuestion(q model.ExtractionQuestion) string {
	line := fmt.Sprintf("- [%s] %s", q.QuestionID, q.Text)
	if hint := typeHint(q.ExpectedType); hint != "" {
		line += " (" + hint + ")"
	}
	return line
}

func batchQuery(category string, questions []model.ExtractionQuestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\nQuestions:\n", category)
	for _, q := range questions {
		b.WriteString(formatQuestion(q))
		b.WriteByte('\n')
	}
	return b.String()
}

func individualQuery(q model.ExtractionQuestion) string {
	return fmt.Sprintf("Category: %s\nQuestion:\n%s\n", q.Category, formatQuestion(q))
}
