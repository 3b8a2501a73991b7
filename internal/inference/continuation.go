package inference

import (
	"context"

	"go.uber.org/zap"
)

// continuePrompt asks the model to resume truncated output.
const continuePrompt = "Continue the previous output exactly where it stopped. Do not repeat anything already written."

// InferFunc performs a single inference call.
type InferFunc func(ctx context.Context, req Request) (*Result, error)

// Continue calls infer and, while the provider reports max_output_reached,
// re-asks with the partial output as assistant context up to
// maxContinuations times. Usage is summed across calls.
func Continue(ctx context.Context, infer InferFunc, req Request, maxContinuations int) (*Result, error) {
	res, err := infer(ctx, req)
	if err != nil {
		return nil, err
	}

	content := res.Content
	usage := res.Usage
	for i := 0; i < maxContinuations && res.FinishReason == MaxOutputReached; i++ {
		zap.L().Debug("inference: output truncated, continuing",
			zap.String("request_id", req.RequestID),
			zap.Int("continuation", i+1),
		)
		next := req
		next.Messages = append(append([]Message(nil), req.Messages...),
			Text(RoleAssistant, content),
			Text(RoleUser, continuePrompt),
		)
		res, err = infer(ctx, next)
		if err != nil {
			return nil, err
		}
		content += res.Content
		usage.Add(res.Usage)
	}

	out := *res
	out.RequestID = req.RequestID
	out.Content = content
	out.Usage = usage
	return &out, nil
}
