package assistant

import (
	"log/slog"
	"strings"

	"github.com/randalmurphal/queryflow/pkg/finance"
	"github.com/randalmurphal/queryflow/pkg/flowgraph"
	"github.com/randalmurphal/queryflow/pkg/llm"
	"github.com/randalmurphal/queryflow/pkg/prompt"
	"github.com/randalmurphal/queryflow/pkg/retriever"
	"github.com/randalmurphal/queryflow/pkg/tools"
)

// Source filename used for tool-derived evidence.
const OperationalSource = "Operational Data"

// retrievalStep searches the documentation. A retriever failure leaves the
// evidence empty and marks the step failed so the result is not cached.
func (p *Pipeline) retrievalStep(ctx flowgraph.Context, s State) (State, error) {
	docs, err := p.retriever.Search(ctx, s.Query, p.topK)
	if err != nil {
		ctx.Logger().Error("retrieval failed",
			slog.String("session_id", s.SessionID),
			slog.String("error", err.Error()),
		)
		s.fail(StepRetrieval)
		s.Documents = nil
		s.Sources = nil
		return s, nil
	}
	s.Documents = docs
	s.Sources = retriever.Sources(docs)
	return s, nil
}

func mergeRetrieval(current, cached State) State {
	current.Documents = cached.Documents
	current.Sources = cached.Sources
	return current
}

// toolsStep asks the model which finance tools to call and runs them for
// the state's user. When the model fails or picks nothing, the keyword
// planner decides. Individual tool failures are kept in the results.
func (p *Pipeline) toolsStep(ctx flowgraph.Context, s State) (State, error) {
	calls, err := p.planTools(ctx, s)
	if err != nil {
		ctx.Logger().Warn("tool planning failed, using keyword planner",
			slog.String("session_id", s.SessionID),
			slog.String("error", err.Error()),
		)
	}
	if len(calls) == 0 {
		calls = PlanByKeywords(s.Query)
	}

	results := tools.InvokeAll(tools.WithUser(ctx, s.UserID), p.executor, calls)
	for _, r := range results {
		if !r.OK() {
			ctx.Logger().Warn("tool call failed",
				slog.String("tool", r.Tool),
				slog.String("error", r.Error),
			)
			s.fail(StepTools)
		}
	}

	s.ToolResults = results
	s.Sources = toolSources(results)
	return s, nil
}

func (p *Pipeline) planTools(ctx flowgraph.Context, s State) ([]tools.Call, error) {
	system, err := prompt.ToolPlanner.Render(nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: s.Query}},
		Model:        p.model,
		Temperature:  llm.Temperature(0),
		Tools:        p.toolDefs,
	})
	if err != nil {
		return nil, err
	}

	calls := make([]tools.Call, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		args, err := tc.Args()
		if err != nil {
			ctx.Logger().Warn("dropping tool call with bad arguments",
				slog.String("tool", tc.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		calls = append(calls, tools.Call{Name: tc.Name, Args: args})
	}
	return calls, nil
}

func mergeTools(current, cached State) State {
	current.ToolResults = cached.ToolResults
	current.Sources = cached.Sources
	return current
}

// toolSources returns one source per distinct tool that produced data.
func toolSources(results []tools.Result) []retriever.Source {
	sources := make([]retriever.Source, 0, len(results))
	for _, r := range tools.Succeeded(results) {
		sources = append(sources, retriever.Source{Title: "API: " + r.Tool, Filename: OperationalSource})
	}
	return retriever.DedupeSources(sources)
}

// PlanByKeywords maps a query onto finance tool calls by keyword. A query
// that matches nothing asks for the account balances.
func PlanByKeywords(query string) []tools.Call {
	q := strings.ToLower(query)
	period := periodOf(q)

	var calls []tools.Call
	if containsAny(q, "balance", "how much money") {
		calls = append(calls, tools.Call{Name: finance.ToolBalance, Args: map[string]any{}})
	}
	if containsAny(q, "transaction", "expense", "spent", "spend", "income", "payment") {
		args := map[string]any{"period": period}
		switch {
		case containsAny(q, "expense", "spent", "spend"):
			args["transaction_type"] = "expense"
		case containsAny(q, "income"):
			args["transaction_type"] = "income"
		}
		calls = append(calls, tools.Call{Name: finance.ToolTransactions, Args: args})
	}
	if containsAny(q, "cash flow", "cashflow", "cash-flow") {
		calls = append(calls, tools.Call{Name: finance.ToolCashFlow, Args: map[string]any{"period": period}})
	}
	if containsAny(q, "profit", "loss", "p&l", "margin") {
		calls = append(calls, tools.Call{Name: finance.ToolProfitLoss, Args: map[string]any{"period": period}})
	}
	if containsAny(q, "categor") {
		calls = append(calls, tools.Call{Name: finance.ToolCategories, Args: map[string]any{}})
	}
	if containsAny(q, "counterpart", "supplier", "contractor", "client") {
		calls = append(calls, tools.Call{Name: finance.ToolCounterparties, Args: map[string]any{}})
	}

	if len(calls) == 0 {
		calls = append(calls, tools.Call{Name: finance.ToolBalance, Args: map[string]any{}})
	}
	return calls
}

func periodOf(q string) string {
	switch {
	case strings.Contains(q, "last month"), strings.Contains(q, "previous month"):
		return finance.LastMonth
	case strings.Contains(q, "quarter"):
		return finance.CurrentQuarter
	case strings.Contains(q, "year"):
		return finance.CurrentYear
	default:
		return finance.CurrentMonth
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
