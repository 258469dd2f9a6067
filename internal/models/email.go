package models

// OutboundMessage is a single rendered email addressed to one recipient.
type OutboundMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
}

type RecipientError struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

type SentEmail struct {
	Email     string `json:"email"`
	MessageID string `json:"message_id"`
}

// BatchEmailResult aggregates one dispatch call.
// Successful + Failed always equals the number of input messages.
type BatchEmailResult struct {
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	Errors     []RecipientError `json:"errors"`
	EmailIDs   []SentEmail      `json:"email_ids"`
}
