package store

import (
	"database/sql"
	"fmt"

	"localflow/internal/types"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = fmt.Errorf("not found")

// CreateConversation creates a new conversation thread.
func (s *LocalStore) CreateConversation(title string) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if title == "" {
		title = "New chat"
	}
	conv := &types.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: utcNow(),
	}

	_, err := s.db.Exec(
		"INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)",
		conv.ID, conv.Title, encodeTime(conv.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation by id.
func (s *LocalStore) GetConversation(id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conv types.Conversation
	var createdAt string
	err := s.db.QueryRow(
		"SELECT id, title, created_at FROM conversations WHERE id = ?", id,
	).Scan(&conv.ID, &conv.Title, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = decodeTime(createdAt)
	return &conv, nil
}

// AddMessage appends a message to a conversation.
func (s *LocalStore) AddMessage(conversationID, role, content string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &types.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      utcNow(),
	}

	_, err := s.db.Exec(
		"INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.ConversationID, msg.Role, msg.Content, encodeTime(msg.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add message: %w", err)
	}
	return msg, nil
}

// ListMessages returns conversation history in chronological order,
// capped at limit when limit > 0.
func (s *LocalStore) ListMessages(conversationID string, limit int) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC"
	rows, err := s.db.Query(query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &createdAt); err != nil {
			continue
		}
		m.CreatedAt = decodeTime(createdAt)
		out = append(out, m)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, rows.Err()
}
