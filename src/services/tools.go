package services

// Tool names for call control. The LLM invokes these to hand the call to
// a human agent or to end it; the pipeline turns them into platform
// call.redirect / call.hangup messages.
const (
	TransferCallToolName = "transfer_call"
	EndCallToolName      = "end_call"
)

// CallControlTools returns the tool definitions every call session offers
// the LLM. The platform decides where a redirected call lands, so neither
// tool takes a destination.
func CallControlTools() []Tool {
	return []Tool{
		{
			Type: "function",
			Function: ToolFunction{
				Name: TransferCallToolName,
				Description: "Transfer the current call to a human agent. " +
					"Use when the caller asks for a person or the request is beyond your abilities.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"reason": map[string]interface{}{
							"type":        "string",
							"description": "Short reason for the transfer",
						},
					},
				},
			},
		},
		{
			Type: "function",
			Function: ToolFunction{
				Name: EndCallToolName,
				Description: "End the current call. " +
					"Use after the conversation has concluded and the caller said goodbye.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"reason": map[string]interface{}{
							"type":        "string",
							"description": "Short reason for ending the call",
						},
					},
				},
			},
		},
	}
}

// IsCallControlTool reports whether name is one of the built-in call
// control tools.
func IsCallControlTool(name string) bool {
	return name == TransferCallToolName || name == EndCallToolName
}
