package indexer

const systemPrompt = `You are an expert in document structure. You read page text tagged with <physical_index_N> markers and answer with JSON only.`

const mapTitlesPrompt = `Below is a table of contents without page numbers, followed by part of a document.
Each page is wrapped in <physical_index_N> tags, where N is the physical page number.

For every table of contents title that STARTS within these pages, give the physical index where it starts.
Match titles loosely (ignore spacing, case and punctuation). Skip titles that do not start here.

Table of contents:
%s

Document pages:
%s

Reply with a JSON array only:
[{"structure": "<code>", "title": "<title as listed>", "physical_index": "<physical_index_N>"}]`

const guidedPrompt = `Below are candidate section headings detected by pattern matching, followed by part of a document.
Each page is wrapped in <physical_index_N> tags, where N is the physical page number.

Confirm which candidates are real section headings that START within these pages, correct their titles if
needed, and add any section headings the candidates missed. Use dotted structure codes ("1", "1.2") for hierarchy.

Candidates (title, claimed physical page):
%s

Document pages:
%s

Reply with a JSON array only, in document order:
[{"structure": "<code>", "title": "<title>", "physical_index": "<physical_index_N>"}]`

const generatePrompt = `Extract the hierarchical table of contents of the document part below.
Each page is wrapped in <physical_index_N> tags, where N is the physical page number.

Use dotted structure codes for hierarchy ("1", "1.1", "1.2", "2"). Keep titles exactly as written in the text.
Give the physical index where each section starts.

Document pages:
%s

Reply with a JSON array only:
[{"structure": "<code>", "title": "<title>", "physical_index": "<physical_index_N>"}]`

const continuePrompt = `You are continuing a table of contents for a long document. The structure so far is:
%s

Extract the sections that START in the next part below and continue the structure codes from where it left off.
Each page is wrapped in <physical_index_N> tags, where N is the physical page number.
Do not repeat sections already listed.

Document pages:
%s

Reply with a JSON array of the NEW sections only:
[{"structure": "<code>", "title": "<title>", "physical_index": "<physical_index_N>"}]`

const checkTitlePrompt = `Does the section titled %q start on the page below? Ignore spacing and case differences.

Page:
%s

Reply with JSON only: {"thinking": "<short reasoning>", "answer": "yes" or "no"}`

const fixPrompt = `Find the physical page where the section titled %q starts.
Each page is wrapped in <physical_index_N> tags, where N is the physical page number.

Document pages:
%s

Reply with JSON only: {"thinking": "<short reasoning>", "physical_index": "<physical_index_N>"}`

const summaryPrompt = `Summarise the document section below in two or three sentences, naming the facts it covers.
Also classify its content type as one of: narrative, financial_table, legal_terms, list, schedule, other.

Section: %s

Text:
%s

Reply with JSON only: {"summary": "<summary>", "content_type": "<type>"}`

const descriptionPrompt = `Write a one-sentence description of the document with the structure below, naming what
distinguishes it from similar documents.

%s

Reply with JSON only: {"description": "<description>"}`
