package composite

import (
	"context"
	"errors"
	"sync"

	"github.com/aristath/meridian/internal/domain"
	"github.com/aristath/meridian/internal/workpool"
)

var errSymbolMissing = errors.New("no data returned for symbol")

// BulkResult is the outcome of a per-symbol fan-out: a partial map of
// whatever succeeded plus an error list for what did not. Partial
// failures never fail the whole batch.
type BulkResult[T any] struct {
	Data   map[string]T        `json:"data"`
	Errors []workpool.TaskError `json:"errors,omitempty"`
}

// BulkFetchRealTime fans real-time fetches out across the pool, one
// task per symbol. Completion order is unrelated to input order.
func (p *Provider) BulkFetchRealTime(ctx context.Context, pool *workpool.Pool, symbols []string) BulkResult[domain.Bar] {
	out := BulkResult[domain.Bar]{Data: make(map[string]domain.Bar, len(symbols))}
	var mu sync.Mutex

	tasks := make([]workpool.Task, 0, len(symbols))
	for _, sym := range symbols {
		sym := sym
		tasks = append(tasks, workpool.Task{
			Key: sym,
			Run: func(ctx context.Context) error {
				res, err := p.FetchRealTime(ctx, []string{sym})
				if err != nil {
					return err
				}
				bar, ok := res.Data[sym]
				if !ok {
					return errSymbolMissing
				}
				mu.Lock()
				out.Data[sym] = bar
				mu.Unlock()
				return nil
			},
		})
	}

	out.Errors = pool.Run(ctx, tasks)
	return out
}

// BulkValidateSymbols validates many symbols concurrently, chunked so
// each task carries a modest batch rather than one symbol.
func (p *Provider) BulkValidateSymbols(ctx context.Context, pool *workpool.Pool, symbols []string) BulkResult[domain.ValidationOutcome] {
	const batchSize = 10

	out := BulkResult[domain.ValidationOutcome]{Data: make(map[string]domain.ValidationOutcome, len(symbols))}
	var mu sync.Mutex

	var tasks []workpool.Task
	for start := 0; start < len(symbols); start += batchSize {
		end := start + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[start:end]
		tasks = append(tasks, workpool.Task{
			Key: batch[0],
			Run: func(ctx context.Context) error {
				res, err := p.ValidateSymbols(ctx, batch)
				if err != nil {
					return err
				}
				mu.Lock()
				for sym, outcome := range res.Data {
					out.Data[sym] = outcome
				}
				mu.Unlock()
				return nil
			},
		})
	}

	out.Errors = pool.Run(ctx, tasks)
	return out
}
