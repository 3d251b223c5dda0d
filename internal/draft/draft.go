// Package draft holds the in-memory working copy of an unpublished form and
// the serialized snapshot shape the session store persists.
package draft

import (
	"encoding/json"
	"fmt"
)

type Question struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

type Section struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Attachment is a reference to an uploaded file or link. Only the reference
// is part of the draft; blob payloads never enter the session store.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Certificate struct {
	Linked   bool   `json:"linked"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Template string `json:"template,omitempty"`
}

// Draft is the authoritative working copy. Questions holds the synthetic main
// section's questions; Sections holds the declared sections, numbered from 2
// because the main section is always number 1.
type Draft struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Questions   []Question   `json:"questions"`
	Sections    []Section    `json:"sections"`
	Dates       DateRange    `json:"dates"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Certificate Certificate  `json:"certificate"`
}

func New(id string) *Draft {
	return &Draft{ID: id}
}

// Normalize renumbers sections into the contiguous sequence the editor
// relies on: main section is 1, declared sections follow in position order.
func (d *Draft) Normalize() {
	for i := range d.Sections {
		d.Sections[i].Number = i + 2
	}
}

// Clone returns a deep copy, used for history checkpoints so later mutations
// cannot reach back into a recorded snapshot.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	out := *d
	out.Questions = cloneQuestions(d.Questions)
	out.Sections = make([]Section, len(d.Sections))
	for i, s := range d.Sections {
		out.Sections[i] = s
		out.Sections[i].Questions = cloneQuestions(s.Questions)
	}
	out.Attachments = append([]Attachment(nil), d.Attachments...)
	return &out
}

func cloneQuestions(qs []Question) []Question {
	if qs == nil {
		return nil
	}
	out := make([]Question, len(qs))
	for i, q := range qs {
		out[i] = q
		out[i].Options = append([]string(nil), q.Options...)
	}
	return out
}

// QuestionCount totals questions across the main section and all declared
// sections.
func (d *Draft) QuestionCount() int {
	n := len(d.Questions)
	for _, s := range d.Sections {
		n += len(s.Questions)
	}
	return n
}

// HasContent reports whether the draft differs from a blank one. Teardown
// flushes are skipped for contentless drafts.
func (d *Draft) HasContent() bool {
	if d == nil {
		return false
	}
	return d.Title != "" || d.Description != "" || d.QuestionCount() > 0 ||
		len(d.Sections) > 0 || d.Dates.Start != "" || d.Dates.End != "" ||
		len(d.Attachments) > 0 || d.Certificate.Linked
}

// Snapshot is the persisted unit: the draft plus the derived fields needed to
// resume a session without a network round trip.
type Snapshot struct {
	Draft             *Draft `json:"draft"`
	RecipientCount    int    `json:"recipientCount"`
	CertificateLinked bool   `json:"certificateLinked"`
}

// Essential returns a reduced snapshot for quota-pressure saves: core content
// only, bulky fields (attachment references and anything derived from bulk
// imports) dropped.
func (s Snapshot) Essential() Snapshot {
	out := s
	if s.Draft != nil {
		d := s.Draft.Clone()
		d.Attachments = nil
		out.Draft = d
	}
	return out
}

func (s Snapshot) Marshal() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(b), nil
}

func UnmarshalSnapshot(data string) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return s, nil
}
