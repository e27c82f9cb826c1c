package prompt

import "fmt"

// Template is a named prompt text.
type Template struct {
	Name string
	Text string
}

var strict = NewExpander()

// Render expands the template with vars.
func (t Template) Render(vars map[string]any) (string, error) {
	out, err := strict.Expand(t.Text, vars)
	if err != nil {
		return "", fmt.Errorf("prompt %s: %w", t.Name, err)
	}
	return out, nil
}

// Router classifies a question as documentation or operational.
var Router = Template{Name: "router", Text: `You are a query router for a financial SaaS system.

Your task: Classify the user's question into one of these categories:

1. "documentation" - Questions about:
   - How the system works
   - Feature explanations
   - User guides
   - General information about the service
   - Navigation help

2. "operational" - Questions requiring current data:
   - Account balances ("What's my balance?")
   - Recent transactions ("Show my expenses this month")
   - Financial reports (cash flow, profit/loss)
   - Current statistics
   - Data about categories, counterparties

User question: "${query}"

Respond in JSON format:
{
  "query_type": "documentation" or "operational",
  "reasoning": "Brief explanation why"
}

JSON response:`}

// ToolPlanner instructs the model to pick finance tools.
var ToolPlanner = Template{Name: "tool_planner", Text: `You are a financial assistant with access to real-time financial data.

Use the available tools to answer user questions about:
- Account balances
- Transactions (income/expenses)
- Financial reports (Cash Flow, Profit & Loss)
- Reference data (categories, counterparties)

Choose the appropriate tool(s) based on the user's question.
If multiple tools are needed, call all of them.`}

// DocumentationSystem is the system prompt for documentation answers.
var DocumentationSystem = Template{Name: "documentation_system", Text: `You are a technical support AI assistant for a financial SaaS service.

Your task is to answer user questions based on the provided documentation.

Instructions:
1. Provide an accurate and helpful answer based ONLY on the provided documentation
2. If there is insufficient information, say so honestly
3. Answer in the same language as the user's question
4. Be concise and specific
5. Use a friendly, professional tone`}

// DocumentationUser carries the retrieved context and the question.
var DocumentationUser = Template{Name: "documentation_user", Text: `Documentation:
${context}

User question: ${query}

Please provide your answer:`}

// OperationalSystem is the system prompt for answers from live data.
var OperationalSystem = Template{Name: "operational_system", Text: `You are a financial assistant AI for a financial SaaS service.

Your task is to answer user questions based on real-time operational data from the system.

Instructions:
1. Analyze the data from API calls and provide a clear, human-friendly answer
2. Format numbers nicely (use thousands separators, appropriate currency symbols)
3. Highlight key insights and trends
4. Answer in the same language as the user's question
5. Be concise but informative
6. Use a friendly, professional tone`}

// OperationalUser carries the tool results and the question.
var OperationalUser = Template{Name: "operational_user", Text: `API Data:
${context}

User question: ${query}

Please provide your answer based on the data:`}

// Rerank asks the model to score passages for relevance.
var Rerank = Template{Name: "rerank", Text: `Rate how relevant each passage is to the question on a scale from 0 to 10.

Question: ${query}

Passages:
${passages}

Respond in JSON format:
{"scores": [score for passage 1, score for passage 2, ...]}

JSON response:`}
