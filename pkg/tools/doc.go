// Package tools provides the tool executor used by the operational path.
//
// A Registry holds named tools. Each tool has a JSON-schema parameter
// description, which is handed to the language model, and a function that
// runs the tool:
//
//	reg := tools.NewRegistry()
//	reg.Register(tools.Tool{
//	    Name:        "get_account_balance",
//	    Description: "Get account balances",
//	    Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
//	    Func:        balance,
//	})
//
//	out, err := reg.Invoke(ctx, "get_account_balance", nil)
//
// # Partial Success
//
// InvokeAll runs a batch of calls and always returns one Result per call,
// in call order. A failing call is recorded in its Result's Error field and
// does not affect the others, so callers can use whatever succeeded.
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Registration is
// expected at startup; Invoke takes only a read lock.
package tools
