package gemini

import (
	"errors"
	"testing"

	"github.com/nstogner/overseer/pkg/domain"
	"github.com/nstogner/overseer/pkg/model"
	"google.golang.org/genai"
)

func TestConvertMessages(t *testing.T) {
	messages := []domain.Message{
		domain.SystemMessage("summary of earlier work"),
		domain.UserMessage("do the task"),
		domain.AssistantToolCalls("running code", []domain.ToolCall{
			{ID: "call-1", Name: "python_execute", Arguments: `{"code":"print(1)"}`},
		}),
		domain.ToolMessage("1", "call-1", "python_execute", nil),
	}

	contents, system := convertMessages(messages)
	if len(system) != 1 || system[0] != "summary of earlier work" {
		t.Errorf("system = %v", system)
	}
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" || contents[2].Role != "user" {
		t.Errorf("roles = %s/%s/%s", contents[0].Role, contents[1].Role, contents[2].Role)
	}

	fc := contents[1].Parts[1].FunctionCall
	if fc == nil || fc.Name != "python_execute" || fc.Args["code"] != "print(1)" {
		t.Errorf("function call = %+v", fc)
	}
	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.ID != "call-1" || fr.Name != "python_execute" {
		t.Errorf("function response = %+v", fr)
	}
	if fr.Response["result"] != "1" {
		t.Errorf("response payload = %v", fr.Response)
	}
}

func TestConvertSchema(t *testing.T) {
	schema := convertSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{
				"type": "string",
				"enum": []string{"success", "failure"},
			},
			"options": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"status"},
	})

	if schema.Type != genai.TypeObject {
		t.Errorf("type = %v", schema.Type)
	}
	if got := schema.Properties["status"]; got == nil || got.Type != genai.TypeString || len(got.Enum) != 2 {
		t.Errorf("status schema = %+v", got)
	}
	if got := schema.Properties["options"]; got == nil || got.Items == nil || got.Items.Type != genai.TypeString {
		t.Errorf("options schema = %+v", got)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "status" {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestToolChoiceMode(t *testing.T) {
	if toolChoiceMode(domain.ToolChoiceRequired) != genai.FunctionCallingConfigModeAny {
		t.Error("required should map to ANY")
	}
	if toolChoiceMode(domain.ToolChoiceNone) != genai.FunctionCallingConfigModeNone {
		t.Error("none should map to NONE")
	}
	if toolChoiceMode(domain.ToolChoiceAuto) != genai.FunctionCallingConfigModeAuto {
		t.Error("auto should map to AUTO")
	}
}

func TestClassifyError(t *testing.T) {
	err := classifyError(errors.New("input token count exceeds the maximum number of tokens allowed"))
	if !model.IsTokenLimit(err) {
		t.Errorf("token-limit error not classified: %v", err)
	}

	err = classifyError(errors.New("503 service unavailable"))
	if model.IsTokenLimit(err) {
		t.Errorf("generic error misclassified as token limit: %v", err)
	}
}
