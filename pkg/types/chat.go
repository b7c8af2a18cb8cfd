package types

import (
	"sort"
	"time"
)

// SenderTypeSystem marks placeholder messages produced by the assembler
const SenderTypeSystem Role = "system"

// PlaceholderText replaces a message whose content could not be fetched
const PlaceholderText = "Failed to load message"

// ChatMessage is the immutable message document stored in content storage.
// Hash, Error and Pending are assembly-time annotations.
type ChatMessage struct {
	Message        string    `json:"message"`
	Sender         Address   `json:"sender"`
	SenderType     Role      `json:"senderType"`
	Timestamp      time.Time `json:"timestamp"`
	PatientAddress Address   `json:"patientAddress"`
	DoctorAddress  Address   `json:"doctorAddress"`

	Hash    string `json:"hash,omitempty"`
	Error   bool   `json:"error,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// Placeholder builds the visible stand-in for an unresolvable message hash
func Placeholder(hash string, at time.Time) ChatMessage {
	return ChatMessage{
		Message:    PlaceholderText,
		Sender:     Address(SenderTypeSystem),
		SenderType: SenderTypeSystem,
		Timestamp:  at,
		Hash:       hash,
		Error:      true,
	}
}

// Conversation is an assembled thread between a patient and a doctor
type Conversation struct {
	Patient  Address       `json:"patient"`
	Doctor   Address       `json:"doctor"`
	Messages []ChatMessage `json:"messages"`
	Failures []ItemFailure `json:"failures,omitempty"`
}

// SortMessages orders messages by timestamp ascending, ties broken by hash
func SortMessages(msgs []ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].Hash < msgs[j].Hash
	})
}
