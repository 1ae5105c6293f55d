package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/file-finder/backend/internal/search"
)

// SearchHandler runs search jobs on engine. A positive timeout bounds each
// job; a search that hits it completes with a cancelled (partial) result.
func SearchHandler(engine *search.Engine, timeout time.Duration) JobHandler {
	return func(ctx context.Context, j *Job) (any, error) {
		var params SearchParams
		if err := json.Unmarshal(j.Params, &params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		result, err := engine.Search(ctx, search.Request{
			Root:       params.Root,
			Term:       params.Term,
			ExactMatch: params.Exact,
			WithSizes:  params.WithSizes,
			Exclude:    params.Exclude,
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}
