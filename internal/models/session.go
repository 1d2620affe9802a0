package models

import (
	"time"

	"visionchat/internal/fsm"
)

// SessionState is the transient context threaded through every step of one
// browser session. It is created empty and mutated only by the orchestrator.
type SessionState struct {
	ID               string         `json:"id"`
	Phase            fsm.State      `json:"phase"`
	RecognizedSpeech string         `json:"recognized_speech"`
	AIResponse       string         `json:"ai_response"`
	LastInput        string         `json:"last_input"`
	AudioPath        string         `json:"audio_path,omitempty"`
	AudioMimeType    string         `json:"audio_mime_type,omitempty"`
	ReportPath       string         `json:"report_path,omitempty"`
	Image            *UploadedImage `json:"image,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// UploadedImage is the decoded upload, normalised to PNG. TempPath points at
// the ephemeral on-disk copy and is empty once that copy has been consumed.
type UploadedImage struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Data     []byte `json:"data"`
	TempPath string `json:"temp_path,omitempty"`
}
