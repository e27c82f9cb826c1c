// Package finance is a mock financial-data API for a single user.
//
// Figures are generated from a PRNG seeded with the user, the period and
// the period's start date, so repeated calls within a period return the
// same data and the transaction list, cash-flow report and P&L report for
// a period always agree with each other.
package finance

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"time"
)

// Period names accepted by the reporting calls.
const (
	CurrentMonth   = "current_month"
	LastMonth      = "last_month"
	CurrentQuarter = "current_quarter"
	CurrentYear    = "current_year"
)

// USDRate converts USD balances into KZT for totals.
const USDRate = 470.0

// OpeningBalance is the cash position at the start of every period.
const OpeningBalance = 2_000_000.0

var (
	// ErrUnknownPeriod is returned for a period name that is not recognised.
	ErrUnknownPeriod = errors.New("unknown period")
	// ErrAccountNotFound is returned for an unknown account id.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidType is returned for a transaction type other than income or expense.
	ErrInvalidType = errors.New("invalid transaction type")
)

// Account is a user's bank account.
type Account struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
}

// Category classifies transactions.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Counterparty is a supplier, contractor or client.
type Counterparty struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Transaction is a single money movement.
type Transaction struct {
	ID           string  `json:"id"`
	Date         string  `json:"date"`
	Type         string  `json:"type"`
	Amount       float64 `json:"amount"`
	Category     string  `json:"category"`
	Account      string  `json:"account"`
	Counterparty string  `json:"counterparty"`
	Description  string  `json:"description"`
}

// TransactionReport lists transactions for a period.
type TransactionReport struct {
	UserID           string        `json:"user_id"`
	Period           string        `json:"period"`
	From             string        `json:"from"`
	To               string        `json:"to"`
	TransactionCount int           `json:"transaction_count"`
	TotalIncome      float64       `json:"total_income"`
	TotalExpense     float64       `json:"total_expense"`
	NetCashFlow      float64       `json:"net_cash_flow"`
	Transactions     []Transaction `json:"transactions"`
}

// CategoryFlow is the cash movement of one category.
type CategoryFlow struct {
	Category string  `json:"category"`
	Inflow   float64 `json:"inflow"`
	Outflow  float64 `json:"outflow"`
	Net      float64 `json:"net"`
}

// CashFlowReport is the cash-flow statement for a period.
type CashFlowReport struct {
	UserID         string         `json:"user_id"`
	ReportType     string         `json:"report_type"`
	Period         string         `json:"period"`
	OpeningBalance float64        `json:"opening_balance"`
	CashInflows    float64        `json:"cash_inflows"`
	CashOutflows   float64        `json:"cash_outflows"`
	NetCashFlow    float64        `json:"net_cash_flow"`
	ClosingBalance float64        `json:"closing_balance"`
	ByCategory     []CategoryFlow `json:"by_category"`
	GeneratedAt    string         `json:"generated_at"`
}

// ProfitLossReport is the profit and loss statement for a period.
type ProfitLossReport struct {
	UserID            string  `json:"user_id"`
	ReportType        string  `json:"report_type"`
	Period            string  `json:"period"`
	Revenue           float64 `json:"revenue"`
	CostOfGoodsSold   float64 `json:"cost_of_goods_sold"`
	GrossProfit       float64 `json:"gross_profit"`
	OperatingExpenses float64 `json:"operating_expenses"`
	NetProfit         float64 `json:"net_profit"`
	ProfitMargin      float64 `json:"profit_margin"`
	GeneratedAt       string  `json:"generated_at"`
}

// BalanceReport holds one or all account balances.
type BalanceReport struct {
	UserID          string    `json:"user_id"`
	Accounts        []Account `json:"accounts"`
	TotalBalanceKZT float64   `json:"total_balance_kzt"`
}

var (
	accounts = []Account{
		{ID: "acc_001", Name: "Main Account", Currency: "KZT", Balance: 1_250_000.50},
		{ID: "acc_002", Name: "Savings", Currency: "KZT", Balance: 850_000.00},
		{ID: "acc_003", Name: "USD Account", Currency: "USD", Balance: 5_000.00},
	}

	categories = []Category{
		{ID: "cat_001", Name: "Rent", Type: "expense"},
		{ID: "cat_002", Name: "Payroll", Type: "expense"},
		{ID: "cat_003", Name: "Marketing", Type: "expense"},
		{ID: "cat_004", Name: "Service sales", Type: "income"},
		{ID: "cat_005", Name: "Subscriptions", Type: "income"},
	}

	counterparties = []Counterparty{
		{ID: "cp_001", Name: "StroyService LLP", Type: "supplier"},
		{ID: "cp_002", Name: "IE Ivanov A.A.", Type: "contractor"},
		{ID: "cp_003", Name: "TechnoCom LLP", Type: "client"},
	}
)

// API serves mock financial data for one user.
type API struct {
	userID string
	now    func() time.Time
}

// Option configures an API.
type Option func(*API)

// WithClock sets the clock used to resolve periods.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an API for userID.
func New(userID string, opts ...Option) *API {
	a := &API{userID: userID, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// UserID returns the user the API serves.
func (a *API) UserID() string {
	return a.userID
}

// Transactions returns the transactions of period, optionally filtered by
// txType ("income" or "expense").
func (a *API) Transactions(period, txType string) (*TransactionReport, error) {
	switch txType {
	case "", "income", "expense":
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, txType)
	}
	name, from, to, err := a.resolve(period)
	if err != nil {
		return nil, err
	}

	all := a.generate(name, from, to)
	report := &TransactionReport{
		UserID:       a.userID,
		Period:       name,
		From:         from.Format(time.DateOnly),
		To:           to.Format(time.DateOnly),
		Transactions: []Transaction{},
	}
	for _, tx := range all {
		if txType != "" && tx.Type != txType {
			continue
		}
		report.Transactions = append(report.Transactions, tx)
		if tx.Type == "income" {
			report.TotalIncome += tx.Amount
		} else {
			report.TotalExpense += tx.Amount
		}
	}
	report.TransactionCount = len(report.Transactions)
	report.TotalIncome = round2(report.TotalIncome)
	report.TotalExpense = round2(report.TotalExpense)
	report.NetCashFlow = round2(report.TotalIncome - report.TotalExpense)
	return report, nil
}

// CashFlow returns the cash-flow statement of period.
func (a *API) CashFlow(period string) (*CashFlowReport, error) {
	tx, err := a.Transactions(period, "")
	if err != nil {
		return nil, err
	}

	flows := map[string]*CategoryFlow{}
	for _, t := range tx.Transactions {
		f, ok := flows[t.Category]
		if !ok {
			f = &CategoryFlow{Category: t.Category}
			flows[t.Category] = f
		}
		if t.Type == "income" {
			f.Inflow += t.Amount
		} else {
			f.Outflow += t.Amount
		}
	}
	byCategory := make([]CategoryFlow, 0, len(flows))
	for _, f := range flows {
		f.Inflow = round2(f.Inflow)
		f.Outflow = round2(f.Outflow)
		f.Net = round2(f.Inflow - f.Outflow)
		byCategory = append(byCategory, *f)
	}
	sort.Slice(byCategory, func(i, j int) bool {
		return byCategory[i].Category < byCategory[j].Category
	})

	return &CashFlowReport{
		UserID:         a.userID,
		ReportType:     "cash_flow",
		Period:         tx.Period,
		OpeningBalance: OpeningBalance,
		CashInflows:    tx.TotalIncome,
		CashOutflows:   tx.TotalExpense,
		NetCashFlow:    tx.NetCashFlow,
		ClosingBalance: round2(OpeningBalance + tx.NetCashFlow),
		ByCategory:     byCategory,
		GeneratedAt:    a.now().Format(time.RFC3339),
	}, nil
}

// ProfitLoss returns the profit and loss statement of period. Expenses are
// split 30/70 between cost of goods sold and operating expenses.
func (a *API) ProfitLoss(period string) (*ProfitLossReport, error) {
	tx, err := a.Transactions(period, "")
	if err != nil {
		return nil, err
	}

	revenue := tx.TotalIncome
	cogs := round2(tx.TotalExpense * 0.3)
	opex := round2(tx.TotalExpense - cogs)
	gross := round2(revenue - cogs)
	net := round2(gross - opex)
	var margin float64
	if revenue > 0 {
		margin = round2(net / revenue * 100)
	}

	return &ProfitLossReport{
		UserID:            a.userID,
		ReportType:        "profit_loss",
		Period:            tx.Period,
		Revenue:           revenue,
		CostOfGoodsSold:   cogs,
		GrossProfit:       gross,
		OperatingExpenses: opex,
		NetProfit:         net,
		ProfitMargin:      margin,
		GeneratedAt:       a.now().Format(time.RFC3339),
	}, nil
}

// Balance returns the balance of accountID, or of all accounts when
// accountID is empty. The total is expressed in KZT.
func (a *API) Balance(accountID string) (*BalanceReport, error) {
	selected := accounts
	if accountID != "" {
		selected = nil
		for _, acc := range accounts {
			if acc.ID == accountID {
				selected = []Account{acc}
				break
			}
		}
		if selected == nil {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
	}

	report := &BalanceReport{UserID: a.userID, Accounts: append([]Account(nil), selected...)}
	for _, acc := range selected {
		if acc.Currency == "USD" {
			report.TotalBalanceKZT += acc.Balance * USDRate
		} else {
			report.TotalBalanceKZT += acc.Balance
		}
	}
	report.TotalBalanceKZT = round2(report.TotalBalanceKZT)
	return report, nil
}

// Categories returns the income and expense categories.
func (a *API) Categories() []Category {
	return append([]Category(nil), categories...)
}

// Counterparties returns the known counterparties.
func (a *API) Counterparties() []Counterparty {
	return append([]Counterparty(nil), counterparties...)
}

// resolve maps a period name onto its canonical name and date range.
// "month", "quarter" and "year" are accepted as aliases; "" means the
// current month.
func (a *API) resolve(period string) (string, time.Time, time.Time, error) {
	now := a.now()
	y, m, _ := now.Date()
	loc := now.Location()
	today := time.Date(y, m, now.Day(), 0, 0, 0, 0, loc)

	switch period {
	case CurrentMonth, "month", "":
		return CurrentMonth, time.Date(y, m, 1, 0, 0, 0, 0, loc), today, nil
	case LastMonth:
		start := time.Date(y, m-1, 1, 0, 0, 0, 0, loc)
		return LastMonth, start, start.AddDate(0, 1, -1), nil
	case CurrentQuarter, "quarter":
		qm := time.Month((int(m)-1)/3*3 + 1)
		return CurrentQuarter, time.Date(y, qm, 1, 0, 0, 0, 0, loc), today, nil
	case CurrentYear, "year":
		return CurrentYear, time.Date(y, time.January, 1, 0, 0, 0, 0, loc), today, nil
	}
	return "", time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrUnknownPeriod, period)
}

// generate produces between 5 and 15 transactions dated within [from, to],
// sorted by date.
func (a *API) generate(period string, from, to time.Time) []Transaction {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s", a.userID, period, from.Format(time.DateOnly))
	rng := rand.New(rand.NewPCG(h.Sum64(), 0x9e3779b97f4a7c15))

	days := int(to.Sub(from).Hours()/24) + 1
	n := 5 + rng.IntN(11)
	out := make([]Transaction, n)
	for i := range out {
		cat := categories[rng.IntN(len(categories))]
		out[i] = Transaction{
			Date:         from.AddDate(0, 0, rng.IntN(days)).Format(time.DateOnly),
			Type:         cat.Type,
			Amount:       float64(10_000 + rng.IntN(490_001)),
			Category:     cat.Name,
			Account:      accounts[rng.IntN(len(accounts))].Name,
			Counterparty: counterparties[rng.IntN(len(counterparties))].Name,
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	for i := range out {
		out[i].ID = fmt.Sprintf("trans_%03d", i+1)
		out[i].Description = fmt.Sprintf("%s: %s", out[i].Category, out[i].Counterparty)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
