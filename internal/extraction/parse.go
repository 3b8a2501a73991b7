package extraction

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/pageindex/internal/model"
)

// rawAnswer is one answer as the model wrote it. Fields are decoded
// leniently because models drift between shapes.
type rawAnswer struct {
	QuestionID   string            `json:"question_id"`
	Answer       json.RawMessage   `json:"answer"`
	Confidence   json.RawMessage   `json:"confidence"`
	Reasoning    string            `json:"reasoning"`
	Citations    []rawCitation     `json:"citations"`
	SourcePages  []json.RawMessage `json:"source_pages"`
	EvidenceText string            `json:"evidence_text"`
}

type rawCitation struct {
	Page         json.RawMessage `json:"page_number"`
	PageAlt      json.RawMessage `json:"page"`
	SectionTitle string          `json:"section_title"`
	SectionType  string          `json:"section_type"`
	Quote        string          `json:"verbatim_quote"`
	QuoteAlt     string          `json:"quote"`
}

// batchResponse accepts {"answers": [...]} or a bare array.
type batchResponse []rawAnswer

func (r *batchResponse) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var list []rawAnswer
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*r = list
		return nil
	}
	var wrapped struct {
		Answers []rawAnswer `json:"answers"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	*r = wrapped.Answers
	return nil
}

var pageNumber = regexp.MustCompile(`\d+`)

// parsePage reads 6, "6" or "Page 6".
func parsePage(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return int(f)
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return 0
	}
	m := pageNumber.FindString(s)
	n, _ := strconv.Atoi(m)
	return n
}

// answerText flattens string, list, boolean and number answers.
func answerText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if t := answerText(item); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, ", ")
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		if b {
			return "Yes"
		}
		return "No"
	}
	return strings.TrimSpace(string(raw))
}

// confidenceOf reads a number or numeric string and clamps it to [0, 1].
func confidenceOf(raw json.RawMessage) float64 {
	raw = bytes.TrimSpace(raw)
	var f float64
	if json.Unmarshal(raw, &f) != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0
		}
		f = v
	}
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

// citations converts both citation shapes, keeping only quoted pages that
// are part of the context the answer was produced from.
func (a rawAnswer) citations(c Context) []model.Citation {
	var out []model.Citation
	for _, rc := range a.Citations {
		page := parsePage(rc.Page)
		if page == 0 {
			page = parsePage(rc.PageAlt)
		}
		quote := strings.TrimSpace(rc.Quote)
		if quote == "" {
			quote = strings.TrimSpace(rc.QuoteAlt)
		}
		if quote == "" || page <= 0 || !c.HasPage(page) {
			continue
		}
		out = append(out, model.Citation{
			Page:         page,
			SectionTitle: rc.SectionTitle,
			SectionType:  rc.SectionType,
			Quote:        quote,
		})
	}
	evidence := strings.TrimSpace(a.EvidenceText)
	if len(out) > 0 || len(a.SourcePages) == 0 || evidence == "" {
		return out
	}
	for _, sp := range a.SourcePages {
		page := parsePage(sp)
		if page <= 0 || !c.HasPage(page) {
			continue
		}
		out = append(out, model.Citation{Page: page, Quote: evidence})
	}
	return out
}

// finalize turns a raw answer into a result. Not-found answers carry
// confidence 0 and no citations; an answer with no usable citation over a
// non-empty context is unverifiable and gets confidence 0.
func finalize(q model.ExtractionQuestion, a rawAnswer, c Context, tier model.Tier) model.ExtractionResult {
	answer := answerText(a.Answer)
	if model.IsNotFoundAnswer(answer) {
		res := model.NotFoundResult(q)
		res.TierUsed = tier
		res.Reasoning = strings.TrimSpace(a.Reasoning)
		return res
	}
	res := model.ExtractionResult{
		QuestionID: q.QuestionID,
		Answer:     answer,
		Confidence: confidenceOf(a.Confidence),
		Citations:  a.citations(c),
		TierUsed:   tier,
		Reasoning:  strings.TrimSpace(a.Reasoning),
	}
	if res.Citations == nil {
		res.Citations = []model.Citation{}
	}
	if len(res.Citations) == 0 && !c.Empty() {
		res.Confidence = 0
	}
	return res
}
