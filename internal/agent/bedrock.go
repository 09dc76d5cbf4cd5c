package agent

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
)

// InvokeAgentAPI is the subset of the Bedrock Agent Runtime client used here.
type InvokeAgentAPI interface {
	InvokeAgent(ctx context.Context, in *bedrockagentruntime.InvokeAgentInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.InvokeAgentOutput, error)
}

// BedrockRuntime adapts Bedrock Agent Runtime to Runtime.
type BedrockRuntime struct {
	api InvokeAgentAPI
}

// NewBedrockRuntime builds a runtime from an AWS config.
func NewBedrockRuntime(cfg aws.Config) *BedrockRuntime {
	return &BedrockRuntime{api: bedrockagentruntime.NewFromConfig(cfg)}
}

// NewBedrockRuntimeWithAPI wraps an existing client.
func NewBedrockRuntimeWithAPI(api InvokeAgentAPI) *BedrockRuntime {
	return &BedrockRuntime{api: api}
}

// InvokeAgent implements Runtime. The event stream is consumed until it is
// exhausted and closed when iteration stops.
func (r *BedrockRuntime) InvokeAgent(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		out, err := r.api.InvokeAgent(ctx, &bedrockagentruntime.InvokeAgentInput{
			AgentId:      aws.String(req.AgentID),
			AgentAliasId: aws.String(req.AliasID),
			SessionId:    aws.String(req.SessionID),
			InputText:    aws.String(req.InputText),
			EnableTrace:  aws.Bool(req.EnableTrace),
			SessionState: &types.SessionState{
				SessionAttributes: req.Attributes,
			},
		})
		if err != nil {
			yield(Event{}, fmt.Errorf("invoke agent: %w", err))
			return
		}

		stream := out.GetStream()
		defer stream.Close()

		for ev := range stream.Events() {
			var e Event
			switch v := ev.(type) {
			case *types.ResponseStreamMemberChunk:
				e.Text = string(v.Value.Bytes)
			case *types.ResponseStreamMemberTrace:
				e.Trace = v.Value
			default:
				continue
			}
			if !yield(e, nil) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			yield(Event{}, fmt.Errorf("read agent stream: %w", err))
		}
	}
}
