package sessions

import (
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// TranscriptRepairReport describes the repairs RepairToolCallPairing made.
type TranscriptRepairReport struct {
	// Messages is the repaired message list.
	Messages []models.Message
	// Added contains synthetic tool results that were inserted.
	Added []models.Message
	// DroppedDuplicateCount is the number of duplicate tool results dropped.
	DroppedDuplicateCount int
	// DroppedOrphanCount is the number of orphan tool results dropped.
	DroppedOrphanCount int
	// Moved indicates whether any tool results were reordered.
	Moved bool
}

// RepairToolCallPairing restores a crash-consistent ordering invariant on
// restore: every assistant tool call is immediately followed, in order, by
// its matching tool-role result. Anthropic's API rejects a transcript that
// violates this, and a process crash mid-dispatch is exactly the event
// that can leave a tool call unanswered.
//
// It moves matching tool-result messages directly after their assistant
// tool-call turn, synthesizes an error result for a tool call a crash
// left unanswered, and drops duplicate or orphaned tool results.
func RepairToolCallPairing(messages []models.Message) TranscriptRepairReport {
	report := TranscriptRepairReport{Messages: make([]models.Message, 0, len(messages))}

	seenResultFor := make(map[string]bool)
	changed := false

	for i := 0; i < len(messages); i++ {
		msg := messages[i]

		if msg.Role != models.RoleAssistant {
			if msg.Role == models.RoleTool {
				// A tool result outside the window scanned below (just
				// after its assistant turn) is an orphan.
				report.DroppedOrphanCount++
				changed = true
				continue
			}
			report.Messages = append(report.Messages, msg)
			continue
		}

		if len(msg.ToolCalls) == 0 {
			report.Messages = append(report.Messages, msg)
			continue
		}

		pendingIDs := make(map[string]bool, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			pendingIDs[tc.ID] = true
		}

		results := make(map[string]models.Message)
		var remainder []models.Message

		j := i + 1
		for ; j < len(messages); j++ {
			next := messages[j]
			if next.Role == models.RoleAssistant {
				break
			}
			if next.Role != models.RoleTool {
				remainder = append(remainder, next)
				continue
			}

			if !pendingIDs[next.ToolCallID] {
				report.DroppedOrphanCount++
				changed = true
				continue
			}
			if seenResultFor[next.ToolCallID] {
				report.DroppedDuplicateCount++
				changed = true
				continue
			}
			if _, already := results[next.ToolCallID]; already {
				report.DroppedDuplicateCount++
				changed = true
				continue
			}
			results[next.ToolCallID] = next
			seenResultFor[next.ToolCallID] = true
		}

		report.Messages = append(report.Messages, msg)

		if len(results) > 0 && len(remainder) > 0 {
			report.Moved = true
			changed = true
		}

		for _, tc := range msg.ToolCalls {
			if result, ok := results[tc.ID]; ok {
				report.Messages = append(report.Messages, result)
				continue
			}
			synthetic := makeMissingToolResult(tc.ID, tc.Name, msg.SessionID, msg.CreatedAt)
			report.Added = append(report.Added, synthetic)
			report.Messages = append(report.Messages, synthetic)
			changed = true
		}

		report.Messages = append(report.Messages, remainder...)
		i = j - 1
	}

	if !changed {
		report.Messages = messages
	}
	return report
}

func makeMissingToolResult(toolCallID, toolName, sessionID string, assistantCreatedAt time.Time) models.Message {
	createdAt := time.Now()
	if !assistantCreatedAt.IsZero() {
		createdAt = assistantCreatedAt.Add(time.Nanosecond)
	}
	return models.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.RoleTool,
		ToolCallID: toolCallID,
		Content:    "missing tool result in session history; inserted synthetic error result for transcript repair",
		CreatedAt:  createdAt,
	}
}

// SanitizeTranscript repairs tool call/result pairing and returns only the
// message list, discarding the report.
func SanitizeTranscript(messages []models.Message) []models.Message {
	return RepairToolCallPairing(messages).Messages
}

// ValidateToolCallPairing returns the ids of tool calls that never
// received a matching result.
func ValidateToolCallPairing(messages []models.Message) []string {
	pending := make(map[string]bool)
	var missing []string

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			for id := range pending {
				missing = append(missing, id)
			}
			pending = make(map[string]bool)
			for _, tc := range msg.ToolCalls {
				pending[tc.ID] = true
			}
		case models.RoleTool:
			delete(pending, msg.ToolCallID)
		}
	}

	for id := range pending {
		missing = append(missing, id)
	}
	return missing
}
