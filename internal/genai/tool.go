package genai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// RecommendationToolName is the function the model calls once per item.
const RecommendationToolName = "send_recommendation"

// RecommendationArgs are the arguments of a send_recommendation call.
type RecommendationArgs struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	ImageURL string `json:"image_url"`
	URL      string `json:"url"`
}

// RecommendationTool returns the tool definition for send_recommendation.
func RecommendationTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        RecommendationToolName,
			Description: openai.String("Send one recommendation card to the user. Call once per recommended item, at most 6 times. Only use items from AVAILABLE DATA with their exact id."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"id": map[string]interface{}{
						"type":        "string",
						"description": "Exact id of the item from AVAILABLE DATA",
					},
					"type": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"event", "business", "coupon"},
						"description": "Kind of item",
					},
					"title": map[string]interface{}{
						"type":        "string",
						"description": "Item title",
					},
					"message": map[string]interface{}{
						"type":        "string",
						"description": "Short description of the item and why it fits the user",
					},
					"image_url": map[string]interface{}{
						"type":        "string",
						"description": "Image URL from AVAILABLE DATA, if any",
					},
					"url": map[string]interface{}{
						"type":        "string",
						"description": "Link for the item, if any",
					},
				},
				"required": []string{"id", "type", "title", "message"},
			},
		},
	}
}

// ParseRecommendationArgs decodes the arguments of a send_recommendation call.
func ParseRecommendationArgs(call ToolCall) (RecommendationArgs, error) {
	if call.Function.Name != RecommendationToolName {
		return RecommendationArgs{}, fmt.Errorf("unexpected tool %q", call.Function.Name)
	}
	var args RecommendationArgs
	if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
		return RecommendationArgs{}, fmt.Errorf("failed to parse %s arguments: %w", RecommendationToolName, err)
	}
	args.ID = strings.TrimSpace(args.ID)
	args.Type = strings.ToLower(strings.TrimSpace(args.Type))
	return args, nil
}
