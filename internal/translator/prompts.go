package translator

// Prompts sent to the vision model. Responses are required to be JSON so
// parsing stays mechanical; the fence-stripping in parseModelJSON handles
// models that wrap output in markdown anyway.

const extractPrompt = `You are given a scanned book page. Extract all visible text
and translate it into English.

Respond with JSON only, no commentary:
{
  "extracted_text": "<all text found on the page, reading order>",
  "translations": [
    {"source": "<original text block>", "translated": "<English translation>"}
  ]
}

If the page contains no text, return {"extracted_text": "", "translations": []}.`

const editPrompt = `You are given a scanned book page image and a list of text
replacements. Produce the same image with each source text replaced in place by
its translation, preserving layout, fonts and illustrations as closely as
possible. Return only the edited image.

Replacements:
%s`

const verifyPrompt = `Compare the original page image with the edited page image.
The edited page should contain the listed translations in place of the original
text, with layout and artwork preserved.

Translations expected:
%s

Respond with JSON only:
{
  "pass": true|false,
  "issues": ["<each problem found, empty if none>"],
  "confidence": <0.0 to 1.0>
}`
