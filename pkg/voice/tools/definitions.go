package tools

import "github.com/murmurapp/voicebridge/pkg/realtime"

// Tool names the model may invoke.
const (
	NameGenerateImage   = "generate_image"
	NameCloseImage      = "close_image"
	NameWebSearch       = "web_search"
	NameSearchPastChats = "search_past_chats"
)

// AspectRatios are the image aspect ratios the model may request.
var AspectRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4"}

// Definitions returns the tool surface advertised to the model in
// session.update frames.
func Definitions() []realtime.ToolDefinition {
	ratios := make([]any, len(AspectRatios))
	for i, r := range AspectRatios {
		ratios[i] = r
	}

	return []realtime.ToolDefinition{
		{
			Type:        "function",
			Name:        NameGenerateImage,
			Description: "Generate an image from a text prompt and display it to the user.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "Detailed description of the image to generate.",
					},
					"aspect_ratio": map[string]any{
						"type":        "string",
						"enum":        ratios,
						"description": "Aspect ratio of the generated image.",
					},
				},
				"required": []any{"prompt", "aspect_ratio"},
			},
		},
		{
			Type:        "function",
			Name:        NameCloseImage,
			Description: "Dismiss the currently displayed image.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Type:        "function",
			Name:        NameWebSearch,
			Description: "Search the web for current information and return a text summary.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search query.",
					},
				},
				"required": []any{"query"},
			},
		},
		{
			Type:        "function",
			Name:        NameSearchPastChats,
			Description: "Search the user's past conversations for relevant context.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to look for in past conversations.",
					},
				},
				"required": []any{"query"},
			},
		},
	}
}
