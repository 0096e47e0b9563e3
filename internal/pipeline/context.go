package pipeline

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/cache"
	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/llm"
	"github.com/chimera-ai/chimera/internal/memory"
)

// HistoryMessage is one prior turn as supplied by the gateway. Timestamp
// arrives as either an ISO-8601 string or epoch milliseconds; normalization
// coerces it to the string form.
type HistoryMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Sender    string `json:"sender,omitempty"`
	PersonaID string `json:"personaId,omitempty"`
	Timestamp any    `json:"timestamp,omitempty"`
}

// Attachment is a staged media reference.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Name        string `json:"name,omitempty"`
	// Description is filled by a chained image-description job when present.
	Description string `json:"description,omitempty"`
}

// Request is the generation job payload after ingress validation.
type Request struct {
	RequestID     string    `json:"requestId"`
	UserID        uuid.UUID `json:"userId"`
	PersonalityID uuid.UUID `json:"personalityId"`

	// Display identity of the requesting user as seen on the platform.
	DisplayName string `json:"displayName,omitempty"`
	Handle      string `json:"handle,omitempty"`

	Message             string           `json:"message"`
	ConversationHistory []HistoryMessage `json:"conversationHistory,omitempty"`
	ReferencedMessages  []HistoryMessage `json:"referencedMessages,omitempty"`
	Attachments         []Attachment     `json:"attachments,omitempty"`

	ChannelID string `json:"channelId,omitempty"`
	GuildID   string `json:"guildId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// MemoryLimit and ChannelBudgetRatio tune retrieval; zero values use the
	// pipeline defaults.
	MemoryLimit        int     `json:"memoryLimit,omitempty"`
	ChannelBudgetRatio float64 `json:"channelBudgetRatio,omitempty"`
}

// AuthInfo is the outcome of auth resolution.
type AuthInfo struct {
	APIKey string
	// GuestMode is set when the user has no usable key of their own and the
	// system key stands in, restricting the request to free-tier models.
	GuestMode bool
}

// Participant is a deduplicated conversation party extracted from history.
type Participant struct {
	Name      string
	PersonaID string
}

// Result is the pipeline's final product handed to delivery.
type Result struct {
	JobID     string    `json:"jobId"`
	RequestID string    `json:"requestId"`
	Content   string    `json:"content"`
	Reasoning string    `json:"reasoning,omitempty"`
	Model     string    `json:"model"`
	GuestMode bool      `json:"guestMode,omitempty"`
	Duplicate bool      `json:"duplicate,omitempty"`
	Usage     llm.Usage `json:"usage"`
	CreatedAt time.Time `json:"createdAt"`
}

// GenerationContext is the shared state threaded through the stages. Fields
// are grouped by the stage that first populates them.
type GenerationContext struct {
	JobID   string
	Request *Request
	Log     *zap.Logger

	// Config resolution.
	Resolved *cache.ResolvedConfig

	// Auth resolution.
	Auth AuthInfo

	// Context preparation.
	OldestTimestamp *time.Time
	Participants    []Participant
	Messages        []llm.Message

	// Memory retrieval.
	Persona  *db.Persona
	Memories []memory.Memory

	// Prompt assembly and budgeting. BasePrompt holds every section except
	// the memory block, which budgeting may shrink.
	BasePrompt      string
	SystemPrompt    string
	DroppedHistory  int
	DroppedMemories int

	// Invocation and post-processing.
	Response  *llm.ChatResponse
	Content   string
	Reasoning string
	Duplicate bool

	Result *Result
}
