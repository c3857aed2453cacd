package domain

import (
	"encoding/json"
	"time"
)

// EnvelopeType tags a persistent-channel frame.
type EnvelopeType string

const (
	EnvelopeStatus   EnvelopeType = "status"
	EnvelopeResponse EnvelopeType = "response"
	EnvelopeError    EnvelopeType = "error"
	// EnvelopeQuestion is the outbound frame carrying a user question.
	EnvelopeQuestion EnvelopeType = "question"
)

// Envelope is the wire unit exchanged over the persistent channel.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"-"`
}

// StatusPayload is the data of a status envelope.
type StatusPayload struct {
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
}

// ErrorPayload is the data of an error envelope.
type ErrorPayload struct {
	Message string `json:"message"`
}

// QuestionRequest is sent on both delivery paths.
type QuestionRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
	MessageID      string `json:"messageId,omitempty"`
}

// DocumentReference is a source document returned with an answer.
type DocumentReference struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Title          string  `json:"title"`
	Preview        string  `json:"preview"`
	RelevanceScore float64 `json:"relevanceScore"`
}

// ChatResponse is the answer payload shared by the fallback response body
// and the data of a response envelope.
type ChatResponse struct {
	MessageID             string              `json:"messageId,omitempty"`
	ConversationID        string              `json:"conversationId"`
	Response              *string             `json:"response"`
	RetrievedDocuments    []DocumentReference `json:"retrievedDocuments"`
	ConfidenceScore       *float64            `json:"confidenceScore,omitempty"`
	ProcessingTimeSeconds *float64            `json:"processingTimeSeconds,omitempty"`
	Timestamp             string              `json:"timestamp,omitempty"`
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is the normalized message handed to callers.
type ChatMessage struct {
	ID                    string              `json:"id"`
	Role                  Role                `json:"role"`
	Content               string              `json:"content"`
	Timestamp             time.Time           `json:"timestamp"`
	ConversationID        string              `json:"conversation_id,omitempty"`
	ConfidenceScore       *float64            `json:"confidence_score,omitempty"`
	ProcessingTimeSeconds *float64            `json:"processing_time_seconds,omitempty"`
	RetrievedDocuments    []DocumentReference `json:"retrieved_documents"`
}

// OutboundMessage is created per send call and dropped once answered.
type OutboundMessage struct {
	ID             string
	Text           string
	ConversationID string
	UserID         string
	CreatedAt      time.Time
}

// Request converts the message into its wire request.
func (m OutboundMessage) Request() QuestionRequest {
	return QuestionRequest{
		Question:       m.Text,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		MessageID:      m.ID,
	}
}
