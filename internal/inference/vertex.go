package inference

import (
	"context"
	"net/http"

	"cloud.google.com/go/vertexai/genai"
	"github.com/rotisserie/eris"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// VertexOptions tunes the Vertex AI backend.
type VertexOptions struct {
	Project     string
	Region      string
	Model       string
	MaxTokens   int
	Concurrency int
}

// VertexBackend serves Gemini models on Vertex AI.
type VertexBackend struct {
	client *genai.Client
	opts   VertexOptions
}

// NewVertexBackend dials Vertex AI for opts.Project in opts.Region.
func NewVertexBackend(ctx context.Context, opts VertexOptions) (*VertexBackend, error) {
	if opts.Project == "" || opts.Region == "" {
		return nil, eris.New("vertex: project and region are required")
	}
	client, err := genai.NewClient(ctx, opts.Project, opts.Region)
	if err != nil {
		return nil, eris.Wrap(err, "vertex: new client")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	return &VertexBackend{client: client, opts: opts}, nil
}

// Close releases the underlying connection.
func (v *VertexBackend) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}

// Name implements Backend.
func (v *VertexBackend) Name() string { return "vertex" }

// Infer implements Backend. System messages become the system instruction;
// earlier turns are replayed as chat history.
func (v *VertexBackend) Infer(ctx context.Context, req Request) (*Result, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = v.opts.Model
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = v.opts.MaxTokens
	}

	system, history, last := toVertexContents(req.Messages)
	if len(last) == 0 {
		return nil, eris.Errorf("vertex: request %s has no user message", req.RequestID)
	}

	gm := v.client.GenerativeModel(modelName)
	gm.SystemInstruction = system
	gm.SetTemperature(float32(req.Params.Temperature))
	if maxTokens > 0 {
		gm.SetMaxOutputTokens(int32(maxTokens))
	}

	chat := gm.StartChat()
	chat.History = history
	resp, err := chat.SendMessage(ctx, last...)
	if err != nil {
		return nil, classify(err, vertexStatus(err))
	}
	return fromVertex(req.RequestID, modelName, resp)
}

// InferBatch implements Backend.
func (v *VertexBackend) InferBatch(ctx context.Context, reqs []Request) ([]BatchResult, error) {
	return InferEach(ctx, v, reqs, v.opts.Concurrency)
}

// toVertexContents splits messages into the system instruction, the prior
// turns and the parts of the final user turn.
func toVertexContents(msgs []Message) (*genai.Content, []*genai.Content, []genai.Part) {
	var system *genai.Content
	var turns []*genai.Content
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if system == nil {
				system = &genai.Content{}
			}
			for _, p := range m.Parts {
				system.Parts = append(system.Parts, genai.Text(p.Text))
			}
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		turns = append(turns, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content())}})
	}

	if len(turns) == 0 || turns[len(turns)-1].Role != "user" {
		return system, turns, nil
	}
	last := turns[len(turns)-1]
	return system, turns[:len(turns)-1], last.Parts
}

func fromVertex(reqID, modelName string, resp *genai.GenerateContentResponse) (*Result, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, eris.Errorf("vertex: empty response for %s", reqID)
	}
	cand := resp.Candidates[0]

	var text string
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				text += string(t)
			}
		}
	}

	finish := Finished
	if cand.FinishReason == genai.FinishReasonMaxTokens {
		finish = MaxOutputReached
	}

	var usage Usage
	if u := resp.UsageMetadata; u != nil {
		usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return &Result{RequestID: reqID, Content: text, FinishReason: finish, Usage: usage, Model: modelName}, nil
}

// vertexStatus maps gRPC codes onto the HTTP statuses used for retry
// classification.
func vertexStatus(err error) int {
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Internal:
		return http.StatusInternalServerError
	default:
		return 0
	}
}
