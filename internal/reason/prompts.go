package reason

// The evidence bundle itself travels as a cached system block (see
// pkg/anthropic.BuildCachedSystemBlocks); these prompts go in the user
// message so the bundle prefix stays identical across the planning,
// synthesis, and sentinel calls of one query.

const planningPrompt = `You are the planning pass of a financial evidence engine. The system context above is the complete evidence bundle: a table of fact rows extracted from filings and the source text chunks they came from. Plan how to answer the query below using ONLY that bundle.

Rules:
- Break the answer into sub-claims. For each one declare its authoritative source: "rows" when a fact table row directly supports it, "text" when the source prose does.
- A row with an unreadable field (for example a period label that is not a real period) is an extraction artifact. The source text is authoritative for that fact; plan the affected sub-claims with source "text" and never repair the row yourself.
- When a row and the text disagree, the text wins.
- If the answer needs arithmetic over row values (growth rates, ratios, sums, differences), set requires_computation to true and write a small Starlark program in "code". The program may reference only the bound variables: row_1 through row_N hold each table row's value in table order (qualitative rows are None), and "facts" is a list of dicts with keys row_id, entity, metric, value, unit, period, nuance. print() the result. Starlark has no sum(); accumulate with a for loop. Never write a literal number that does not appear in the bundle.
- If the bundle does not contain what the query asks for, put a short description of what is missing in "missing_info" and leave the plan empty.

Respond with one JSON object and nothing else:
{"plan":[{"claim":"...","source":"rows"}],"requires_computation":false,"code":"","missing_info":""}

QUERY: %s`

const synthesisPrompt = `You are the synthesis pass of a financial evidence engine. The system context above is the evidence bundle your planning pass worked from. Using the reasoning below, produce the final answer to the query.

Honesty contract:
- Use data_source_type "GROUNDED" only when the answer's substance comes from the bundle. A GROUNDED answer must list every row id and chunk id it relies on in "citations".
- Anything the bundle does not support is "INTERNAL_KNOWLEDGE": score groundedness_score below 0.2 and set self_aware_warning true.
- If a computation error is reported below, answer from the fact table and text alone, state the limitation in "nuances", and do not score groundedness_score above 0.5.
- If missing information is reported below, state plainly that the provided filings do not contain the answer. Never guess a number.
- Carry material caveats from the evidence (basis changes, one-off items, pending outcomes) into "nuances".

Respond with one JSON object and nothing else:
{"answer":"...","nuances":[],"data_source_type":"GROUNDED","citations":["row or chunk id"],"groundedness_score":0.0,"self_aware_warning":false}

QUERY: %s

REASONING PLAN:
%s

COMPUTATION OUTPUT: %s
COMPUTATION ERROR: %s
MISSING INFO: %s`

// strictRetryNote is appended to the user message when the first reply
// fails to parse.
const strictRetryNote = `

Your previous reply was not valid JSON. Respond again with ONLY the JSON object: no explanation, no markdown, no code fences.`
