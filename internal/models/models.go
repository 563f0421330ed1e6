package models

import (
	"slices"
	"time"
)

// PhotoPreview is the projection text used for image-only messages.
const PhotoPreview = "📷 Photo"

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
)

type User struct {
	ID          string    `json:"id" cbor:"id"`
	Username    string    `json:"username" cbor:"username"`
	Email       string    `json:"email" cbor:"email"`
	DisplayName string    `json:"displayName" cbor:"displayName"`
	Password    string    `json:"-" cbor:"password"`
	CreatedAt   time.Time `json:"createdAt" cbor:"createdAt"`
}

// UserPatch carries a profile update. Nil fields are left unchanged.
type UserPatch struct {
	DisplayName *string
	Email       *string
}

type Chat struct {
	ID           string   `json:"id" cbor:"id"`
	Name         string   `json:"name" cbor:"name"`
	Participants []string `json:"participants" cbor:"participants"`
	LastMessage  string   `json:"lastMessage" cbor:"lastMessage"`
	// LastMessageTime is nil while a push backend has not resolved its
	// server clock for the latest projection write.
	LastMessageTime *time.Time `json:"lastMessageTime" cbor:"lastMessageTime"`
	CreatedAt       time.Time  `json:"createdAt" cbor:"createdAt"`
	CreatedBy       string     `json:"createdBy" cbor:"createdBy"`
}

// HasParticipant reports whether userID belongs to the chat.
func (c Chat) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// SameParticipants reports whether the chat's participant set equals ids,
// ignoring order and repeats.
func (c Chat) SameParticipants(ids []string) bool {
	return slices.Equal(participantSet(c.Participants), participantSet(ids))
}

func participantSet(ids []string) []string {
	set := slices.Clone(ids)
	slices.Sort(set)
	return slices.Compact(set)
}

// ChatPatch is the projection update. Both fields are always written together.
type ChatPatch struct {
	LastMessage     string
	LastMessageTime *time.Time
	// MessageID names the projected message. A backend that stamps its own
	// clock resolves a nil LastMessageTime to that message's commit time.
	MessageID string
}

type Message struct {
	ID       string `json:"id" cbor:"id"`
	Text     string `json:"text" cbor:"text"`
	Sender   string `json:"sender" cbor:"sender"`
	SenderID string `json:"senderId" cbor:"senderId"`
	ChatID   string `json:"chatId" cbor:"chatId"`
	// Timestamp is nil while the server clock is pending.
	Timestamp   *time.Time  `json:"timestamp" cbor:"timestamp"`
	ImageURI    string      `json:"imageUri,omitempty" cbor:"imageUri,omitempty"`
	MessageType MessageType `json:"messageType,omitempty" cbor:"messageType,omitempty"`
}

// Preview is the text projected onto the owning chat.
func (m Message) Preview() string {
	if m.MessageType == MessageTypeImage {
		return PhotoPreview
	}
	return m.Text
}

// Pending reports whether the message still waits for its authoritative timestamp.
func (m Message) Pending() bool { return m.Timestamp == nil }
