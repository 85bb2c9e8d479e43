package stage

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/oracle"
)

// ask runs a guarded oracle request and decodes the answer into T. When the
// oracle fails or its data does not decode, the fallback is returned with a
// degraded result.
func ask[T any](ctx context.Context, d Deps, req oracle.Request, fallback T) (T, oracle.Result) {
	req.Fallback = oracle.Result{Data: oracle.FallbackData(fallback)}
	res := d.Oracle.Complete(ctx, req)

	var out T
	if err := oracle.Decode(res, &out); err != nil {
		d.Logger.Warn("oracle answer did not decode, using fallback",
			zap.String("oracle.task", req.Task), zap.Error(err))
		res.Degraded = true
		res.Confidence = min(res.Confidence, oracle.DegradedConfidence)
		res.Reason = err.Error()
		return fallback, res
	}
	return out, res
}
