package tools

import (
	"context"
	"sync"
)

// Call is one requested tool invocation.
type Call struct {
	Name string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Result is the outcome of one Call. Exactly one of Result and Error is set.
type Result struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Error == ""
}

// InvokeAll runs calls concurrently and returns their results in call order.
// Failed calls are recorded in their Result and never abort the batch.
func InvokeAll(ctx context.Context, exec Executor, calls []Call) []Result {
	results := make([]Result, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			res := Result{Tool: call.Name, Args: call.Args}
			if res.Args == nil {
				res.Args = map[string]any{}
			}
			out, err := exec.Invoke(ctx, call.Name, res.Args)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Result = out
			}
			results[i] = res
		}(i, call)
	}
	wg.Wait()

	return results
}

// Succeeded returns the results without errors.
func Succeeded(results []Result) []Result {
	var ok []Result
	for _, r := range results {
		if r.OK() {
			ok = append(ok, r)
		}
	}
	return ok
}
