package ensemble

// QueryRequest is the request body sent to the ensemble service.
type QueryRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

// QueryResponse is the successful response returned by the ensemble service.
// The service fans the prompt out to multiple models and synthesizes one answer.
type QueryResponse struct {
	Answer        string          `json:"answer"`
	ModelsUsed    map[string]bool `json:"modelsUsed,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	ExecutionTime string          `json:"executionTime,omitempty"`
}

// CorrelationID extracts the correlation id from the response metadata,
// if the service included one. Returns "" otherwise.
func (r *QueryResponse) CorrelationID() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	if id, ok := r.Metadata["correlationId"].(string); ok {
		return id
	}
	return ""
}
