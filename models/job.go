package models

import (
	"encoding/json"
	"fmt"
)

// JobMessage is the payload carried on both pipeline queues.
// AudioBlobID is null on the conversion queue and set on the completion queue.
type JobMessage struct {
	VideoBlobID string  `json:"video_blob_id"`
	AudioBlobID *string `json:"audio_blob_id"`
	Username    string  `json:"username"`
	Email       string  `json:"email,omitempty"`
}

// NewConversionJob builds the message published by ingress.
func NewConversionJob(videoBlobID string, user Identity) JobMessage {
	return JobMessage{
		VideoBlobID: videoBlobID,
		Username:    user.Username,
		Email:       user.Email,
	}
}

// WithAudio returns a copy of m referencing the converted audio blob.
func (m JobMessage) WithAudio(audioBlobID string) JobMessage {
	id := audioBlobID
	m.AudioBlobID = &id
	return m
}

// AudioID returns the audio blob id or "" when unset.
func (m JobMessage) AudioID() string {
	if m.AudioBlobID == nil {
		return ""
	}
	return *m.AudioBlobID
}

// Encode marshals the message for publishing.
func (m JobMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}
	return data, nil
}

// DecodeJobMessage parses a delivery body. It only checks that the body is a
// JSON object; per-queue field requirements are checked by the consumers.
func DecodeJobMessage(body []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return JobMessage{}, fmt.Errorf("invalid job message: %w", err)
	}
	return m, nil
}

// ValidateConversion checks the fields a conversion-queue consumer needs.
func (m JobMessage) ValidateConversion() error {
	return checkField("video_blob_id", m.VideoBlobID, "required")
}

// ValidateCompletion checks the fields a completion-queue consumer needs.
func (m JobMessage) ValidateCompletion() error {
	if err := checkField("audio_blob_id", m.AudioID(), "required"); err != nil {
		return err
	}
	if err := checkField("username", m.Username, "required"); err != nil {
		return err
	}
	return checkField("email", m.Email, "required,email")
}
