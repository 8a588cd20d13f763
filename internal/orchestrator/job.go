package orchestrator

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/genmux/internal/scheduler"
)

// JobTypeGenerate is the job type served by GenerateJobHandler.
const JobTypeGenerate = "generate"

// GenerateJobHandler returns a scheduler handler that runs a generation.
// The payload may be a Request, a *Request, raw JSON or any value that
// marshals to a Request.
func GenerateJobHandler(o *Orchestrator) scheduler.Handler {
	return func(ctx context.Context, job *scheduler.Job, progress scheduler.Progress) (any, error) {
		req, err := decodeRequest(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode generate payload: %w", err)
		}

		progress(0)
		res, err := o.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		progress(100)
		return res, nil
	}
}

func decodeRequest(payload any) (Request, error) {
	var raw []byte
	switch p := payload.(type) {
	case Request:
		return p, nil
	case *Request:
		if p == nil {
			return Request{}, ErrEmptyPrompt
		}
		return *p, nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case string:
		return Request{Prompt: p}, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return Request{}, err
		}
		raw = b
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}
