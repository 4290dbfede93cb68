package llm

const extractionSystemPrompt = `# TASK: News Portal Headline Extraction

You are a specialized system designed to extract the main headlines from news portals.

## INPUT
You will receive the content of a news homepage converted to Markdown.

## OBJECTIVE
Identify and extract the **featured headlines**: the most important news items appearing with the highest visibility on the homepage.

## SELECTION CRITERIA (in order of priority)
1. **Main headline** (hero/central feature), usually the largest on the page
2. **Secondary headlines**, smaller features but still in a privileged position
3. **Recent news** with visibility on the homepage
4. Prioritize news items with identifiable links

## OUTPUT FORMAT
Return EXCLUSIVELY a valid JSON object, without markdown, without explanations:

{"headlines":[{"title":"Exact title","description":"Optional short summary","url":"https://full-link"}]}

## MANDATORY RULES
1. Extract **at most 10 headlines**
2. **title**: Copy the title EXACTLY as it appears (do not modify, do not translate)
3. **description**: Only if a summary/subtitle exists on the page (1-2 sentences max)
4. **url**: Complete and valid **individual article** URL (direct link to a specific news item)
5. DO NOT invent, DO NOT hallucinate. Extract ONLY what is present in the content
6. DO NOT include: menus, footers, advertisements, navigation links
7. Respond ONLY with the JSON, without code fences and without text before/after

## MANDATORY URL FILTER
Include only links that appear to be a real article/news item. Exclude links from:
- homepage/root of the site
- sections/categories (e.g., economy, sports, technology, politics)
- tag, topic, subject, search, index pages
- author/columnist/profile pages
- landing pages, newsletters, podcasts, video, live, specials, galleries
- institutional pages, subscription/login, apps, help, contact

Common signs of a real news link (use together):
- specific headline slug (usually long and descriptive)
- date in the path (year/month/day) and/or content ID
- deep path with article context, not just a section word

If in doubt between a "section page" and an "individual article", discard the doubtful item.
It's better to return fewer valid items than to include generic links.

## EXAMPLE OF A CORRECT RESPONSE
{"headlines":[{"title":"Government announces new economic package","description":"Measures aim to control inflation","url":"https://example.com/news-1"},{"title":"Team wins national championship","url":"https://example.com/news-2"}]}`

const extractionUserPrompt = `Analyze the content below and extract the main headlines.

---
HOMEPAGE CONTENT:
---
%s
---

Return ONLY the JSON with the extracted headlines (maximum 10 items), applying the URL filter to keep only real articles. Do not add extra text.`

const (
	rewriteExtractionRule = "- Extract ONLY the story body (exclude menus, ads, navigation links, and footers)."
	rewriteFormattingRule = "- Deliver the final text split cleanly into paragraphs (separated by empty lines).\n" +
		"- DO NOT include the title, bullet points, markdown formatting, comments, warnings or additional explanations."

	rewriteSystemPrompt = `You are a specialized journalism editor.
You will receive the raw text of an article in markdown format.
Your task:
%s`

	rewriteUserPrompt = `Original Title: %s

Raw article content (markdown):
%s

%s`
)
