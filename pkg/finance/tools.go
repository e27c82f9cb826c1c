package finance

import (
	"context"
	"encoding/json"

	"github.com/randalmurphal/queryflow/pkg/tools"
)

// Tool names.
const (
	ToolTransactions   = "get_transactions"
	ToolCashFlow       = "get_cash_flow_report"
	ToolBalance        = "get_account_balance"
	ToolProfitLoss     = "get_profit_loss_report"
	ToolCategories     = "get_expense_categories"
	ToolCounterparties = "get_counterparties"
)

const periodSchema = `{
  "type": "string",
  "enum": ["current_month", "last_month", "current_quarter", "current_year"],
  "description": "Reporting period"
}`

// RegisterTools registers the six finance tools on reg. Each invocation
// serves the user attached to its context with tools.WithUser.
func RegisterTools(reg *tools.Registry, opts ...Option) error {
	api := func(ctx context.Context) *API {
		return New(tools.User(ctx), opts...)
	}

	defs := []tools.Tool{
		{
			Name:        ToolTransactions,
			Description: "Get financial transactions for a period with income, expense and net totals.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"period":` + periodSchema + `,` +
				`"transaction_type":{"type":"string","enum":["income","expense"],"description":"Only return this type; omit for all"}}}`),
			Func: func(ctx context.Context, args map[string]any) (any, error) {
				return api(ctx).Transactions(
					tools.StringArg(args, "period", CurrentMonth),
					tools.StringArg(args, "transaction_type", ""))
			},
		},
		{
			Name:        ToolCashFlow,
			Description: "Get the cash flow statement for a period: inflows, outflows, net flow and balances.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"period":` + periodSchema + `}}`),
			Func: func(ctx context.Context, args map[string]any) (any, error) {
				return api(ctx).CashFlow(tools.StringArg(args, "period", CurrentMonth))
			},
		},
		{
			Name:        ToolBalance,
			Description: "Get the balance of one account, or of all accounts with a total in KZT.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"account_id":{"type":"string","description":"Account id such as acc_001; omit for all accounts"}}}`),
			Func: func(ctx context.Context, args map[string]any) (any, error) {
				return api(ctx).Balance(tools.StringArg(args, "account_id", ""))
			},
		},
		{
			Name:        ToolProfitLoss,
			Description: "Get the profit and loss statement for a period: revenue, expenses, profit and margin.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"period":` + periodSchema + `}}`),
			Func: func(ctx context.Context, args map[string]any) (any, error) {
				return api(ctx).ProfitLoss(tools.StringArg(args, "period", CurrentMonth))
			},
		},
		{
			Name:        ToolCategories,
			Description: "List the income and expense categories.",
			Func: func(ctx context.Context, _ map[string]any) (any, error) {
				return map[string]any{"categories": api(ctx).Categories()}, nil
			},
		},
		{
			Name:        ToolCounterparties,
			Description: "List counterparties: suppliers, contractors and clients.",
			Func: func(ctx context.Context, _ map[string]any) (any, error) {
				return map[string]any{"counterparties": api(ctx).Counterparties()}, nil
			},
		},
	}

	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}
