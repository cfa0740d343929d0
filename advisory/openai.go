package advisory

import (
	"context"
	"fmt"

	json "github.com/bytedance/sonic"
	"github.com/kaptinlin/jsonrepair"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/samber/lo"
)

const systemPrompt = `You are the risk supervisor of an automated USDJPY trading engine.
You receive a JSON snapshot of one open position and, for emergency reviews, the trigger that flagged it.
Reply with a single JSON object and nothing else:
{"action": "continue" | "close_partial" | "close_all" | "tighten_stop" | "escalate",
 "reason": "<short reason>",
 "severity": "low" | "medium" | "high" | "critical",
 "partial_close_pct": <0-100, only for close_partial>,
 "new_stop_pips": <pips, only for tighten_stop>}
Protect capital first. Prefer "continue" when the position tracks its plan; reserve "close_all" for clear invalidation.`

// OpenAI is an LLM-backed oracle. Timeouts and safe fallbacks belong to
// the Layer-3 coordinator, not here.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(model string, opts ...option.RequestOption) *OpenAI {
	return &OpenAI{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAI) Periodic(ctx context.Context, snap Snapshot) (Verdict, error) {
	payload, err := json.MarshalString(snap)
	if err != nil {
		return Verdict{}, fmt.Errorf("advisory: encode snapshot: %w", err)
	}
	prompt := "Periodic review of the position below. Snapshot:\n" + payload
	return o.ask(ctx, prompt)
}

func (o *OpenAI) Emergency(ctx context.Context, snap Snapshot, trig Trigger) (Verdict, error) {
	payload, err := json.MarshalString(snap)
	if err != nil {
		return Verdict{}, fmt.Errorf("advisory: encode snapshot: %w", err)
	}
	trigger, err := json.MarshalString(trig)
	if err != nil {
		return Verdict{}, fmt.Errorf("advisory: encode trigger: %w", err)
	}
	prompt := "EMERGENCY review. An anomaly monitor flagged this position.\nTrigger:\n" +
		trigger + "\nSnapshot:\n" + payload
	return o.ask(ctx, prompt)
}

func (o *OpenAI) ask(ctx context.Context, prompt string) (Verdict, error) {
	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0.1),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: lo.ToPtr(shared.NewResponseFormatJSONObjectParam()),
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("advisory: completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Verdict{}, fmt.Errorf("advisory: empty completion")
	}
	return ParseVerdict(completion.Choices[0].Message.Content)
}

// ParseVerdict decodes a model reply, repairing the JSON when the model
// wrapped or mangled it.
func ParseVerdict(content string) (Verdict, error) {
	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return Verdict{}, fmt.Errorf("advisory: repair verdict: %w", err)
	}
	var v Verdict
	if err := json.UnmarshalString(repaired, &v); err != nil {
		return Verdict{}, fmt.Errorf("advisory: parse verdict: %w", err)
	}
	if !v.Action.Valid() {
		return Verdict{}, fmt.Errorf("advisory: unknown action %q", v.Action)
	}
	return v, nil
}
