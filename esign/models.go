package esign

import (
	"strings"
	"time"
)

// Envelope is the subset of the provider's envelope detail the service reads.
type Envelope struct {
	EnvelopeID        string       `json:"envelopeId"`
	Status            string       `json:"status"`
	EmailSubject      string       `json:"emailSubject,omitempty"`
	CompletedDateTime *time.Time   `json:"completedDateTime,omitempty"`
	CustomFields      CustomFields `json:"customFields"`
	Recipients        Recipients   `json:"recipients"`
}

type CustomFields struct {
	TextCustomFields []CustomField `json:"textCustomFields"`
}

type CustomField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Recipients struct {
	Signers []Recipient `json:"signers"`
}

// Recipient is one signer on the envelope.
type Recipient struct {
	RecipientID    string     `json:"recipientId,omitempty"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Status         string     `json:"status"`
	SignedDateTime *time.Time `json:"signedDateTime,omitempty"`
	Tabs           Tabs       `json:"tabs"`
}

type Tabs struct {
	TextTabs []Tab `json:"textTabs"`
}

type Tab struct {
	TabLabel string `json:"tabLabel"`
	Value    string `json:"value"`
}

const RecipientCompleted = "completed"

// CustomField returns the trimmed value of the named envelope custom field.
func (e Envelope) CustomField(name string) (string, bool) {
	for _, f := range e.CustomFields.TextCustomFields {
		if f.Name == name {
			v := strings.TrimSpace(f.Value)
			return v, v != ""
		}
	}
	return "", false
}

// FormField returns the trimmed value a recipient entered in the labelled tab.
func (r Recipient) FormField(label string) (string, bool) {
	for _, tab := range r.Tabs.TextTabs {
		if tab.TabLabel == label {
			v := strings.TrimSpace(tab.Value)
			return v, v != ""
		}
	}
	return "", false
}

func (r Recipient) Completed() bool {
	return strings.EqualFold(r.Status, RecipientCompleted)
}
