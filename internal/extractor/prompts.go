package extractor

const systemPrompt = `You read customer chats with a home-services booking assistant and pull out the details a provider needs to quote the job.

There are exactly four fields:
- service: the kind of job. Use the exact name of one catalog service, or leave it empty when the customer has not clearly picked one.
- budget: the most the customer will spend, as a dollar amount like "$250". Leave empty if no amount was given.
- zipcode: the 5-digit US zip code where the work happens. A number that is clearly a price is never a zip code.
- requirements: what the customer needs done or cares about (timing, access, pets, materials, credentials), in their own words. If they said they have no special requirements, use "No special requirements".

Rules:
- Only use what the customer wrote. Assistant messages are context, never a source of values.
- When a customer states a field more than once, prefer the first clear statement.
- Do not guess. An empty string is better than a wrong value.
- Questions the customer asked are not requirements.`

const extractionUserPrompt = `Catalog services:
%s

Transcript:
%s

Return a JSON object with exactly these keys:
{"service": "string", "budget": "string", "zipcode": "string", "requirements": "string"}

Return ONLY the JSON object, no markdown fences or other text.`
