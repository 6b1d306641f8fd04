// Package gemini implements model.Provider using the Google Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nstogner/overseer/pkg/domain"
	"github.com/nstogner/overseer/pkg/model"
	"google.golang.org/genai"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-2.0-flash"

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client    *genai.Client
	modelName string
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider. modelName may be empty to use the default.
func New(ctx context.Context, apiKey, modelName string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Provider{client: client, modelName: modelName}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// Ask submits the conversation and returns the model's text response.
func (p *Provider) Ask(ctx context.Context, messages, systemMsgs []domain.Message) (string, error) {
	reply, err := p.generate(ctx, messages, systemMsgs, nil, domain.ToolChoiceNone)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

// AskWithTools submits the conversation together with tool schemas and a
// tool-choice policy.
func (p *Provider) AskWithTools(ctx context.Context, messages, systemMsgs []domain.Message, tools []model.ToolSchema, choice domain.ToolChoice) (*model.Reply, error) {
	return p.generate(ctx, messages, systemMsgs, tools, choice)
}

func (p *Provider) generate(ctx context.Context, messages, systemMsgs []domain.Message, tools []model.ToolSchema, choice domain.ToolChoice) (*model.Reply, error) {
	slog.Debug("Gemini.generate", "model", p.modelName, "messageCount", len(messages), "toolCount", len(tools))

	contents, systemFromMessages := convertMessages(messages)

	config := &genai.GenerateContentConfig{}
	if instruction := buildSystemInstruction(systemMsgs, systemFromMessages); instruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instruction}},
		}
	}
	if len(tools) > 0 {
		config.Tools = buildToolDeclarations(tools)
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: toolChoiceMode(choice),
			},
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.modelName, contents, config)
	if err != nil {
		return nil, classifyError(err)
	}
	return parseResponse(resp), nil
}

// buildSystemInstruction joins explicit system messages with system-role
// messages found inline in the conversation (memory summaries arrive that way).
func buildSystemInstruction(systemMsgs []domain.Message, inline []string) string {
	var parts []string
	for _, msg := range systemMsgs {
		if msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	parts = append(parts, inline...)
	return strings.Join(parts, "\n\n")
}

// convertMessages maps domain messages to genai contents. System-role messages
// are returned separately for the system instruction.
func convertMessages(messages []domain.Message) ([]*genai.Content, []string) {
	var contents []*genai.Content
	var system []string
	toolNameMap := make(map[string]string) // tool call ID -> name

	for _, msg := range messages {
		if msg.Role == domain.RoleSystem {
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
			continue
		}

		var parts []*genai.Part
		switch msg.Role {
		case domain.RoleAssistant:
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				toolNameMap[call.ID] = call.Name
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   call.ID,
						Name: call.Name,
						Args: argsToMap(call.Arguments),
					},
				})
			}
		case domain.RoleTool:
			name := msg.ToolName
			if name == "" {
				name = toolNameMap[msg.ToolCallID]
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:   msg.ToolCallID,
					Name: name,
					Response: map[string]any{
						"result": msg.Content,
					},
				},
			})
			if len(msg.Binary) > 0 {
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: "image/png", Data: msg.Binary},
				})
			}
		default:
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
		}

		if len(parts) == 0 {
			continue
		}
		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, system
}

func argsToMap(blob string) map[string]any {
	if blob == "" {
		return nil
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(blob), &args); err != nil {
		return map[string]any{"raw": blob}
	}
	return args
}

func buildToolDeclarations(tools []model.ToolSchema) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// convertSchema maps a JSON-schema object to a genai.Schema. Unknown fields
// are dropped; the model tolerates sparse schemas.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		out.Type = schemaType(t)
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				out.Properties[name] = convertSchema(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = convertSchema(items)
	}
	switch required := schema["required"].(type) {
	case []string:
		out.Required = required
	case []any:
		for _, r := range required {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	switch enum := schema["enum"].(type) {
	case []string:
		out.Enum = enum
	case []any:
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	return out
}

func schemaType(t string) genai.Type {
	switch t {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeUnspecified
	}
}

func toolChoiceMode(choice domain.ToolChoice) genai.FunctionCallingConfigMode {
	switch choice {
	case domain.ToolChoiceRequired:
		return genai.FunctionCallingConfigModeAny
	case domain.ToolChoiceNone:
		return genai.FunctionCallingConfigModeNone
	default:
		return genai.FunctionCallingConfigModeAuto
	}
}

func parseResponse(resp *genai.GenerateContentResponse) *model.Reply {
	reply := &model.Reply{}
	if resp == nil {
		return reply
	}

	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				fc := part.FunctionCall
				id := fc.ID
				if id == "" {
					id = "call-" + uuid.New().String()
				}
				args := "{}"
				if len(fc.Args) > 0 {
					if blob, err := json.Marshal(fc.Args); err == nil {
						args = string(blob)
					}
				}
				reply.ToolCalls = append(reply.ToolCalls, domain.ToolCall{
					ID:        id,
					Name:      fc.Name,
					Arguments: args,
				})
			}
		}
	}
	reply.Content = text.String()
	return reply
}

// classifyError wraps context-size failures with model.ErrTokenLimit so the
// engine's emergency-compaction path can trigger.
func classifyError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "token count") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "exceeds the maximum number of tokens") ||
		(strings.Contains(msg, "input") && strings.Contains(msg, "too long")) {
		return fmt.Errorf("%w: %v", model.ErrTokenLimit, err)
	}
	return fmt.Errorf("gemini: %w", err)
}
