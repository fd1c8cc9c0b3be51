package threads

import (
	"strings"
	"time"

	"github.com/reflectionguide/reflect/internal/fhir"
)

func isThread(c fhir.Communication) bool {
	return len(c.PartOf) == 0
}

// threadIDOf returns the id of the thread c is part of.
func threadIDOf(c fhir.Communication) string {
	for _, p := range c.PartOf {
		if typ, id, err := fhir.SplitReference(p.Reference); err == nil && typ == "Communication" {
			return id
		}
	}
	return ""
}

// participants returns the distinct references of subject, sender and
// recipients, in that order.
func participants(c fhir.Communication) []fhir.Reference {
	var out []fhir.Reference
	seen := map[string]bool{}
	add := func(r *fhir.Reference) {
		if r == nil || r.Reference == "" || seen[r.Reference] {
			return
		}
		seen[r.Reference] = true
		out = append(out, *r)
	}
	add(c.Subject)
	add(c.Sender)
	for i := range c.Recipient {
		add(&c.Recipient[i])
	}
	return out
}

func involves(c fhir.Communication, profileRef string) bool {
	for _, p := range participants(c) {
		if p.Reference == profileRef {
			return true
		}
	}
	return false
}

// counterpart is the first participant who is not the viewer.
func counterpart(c fhir.Communication, viewer string) *fhir.Reference {
	candidates := append([]fhir.Reference{}, c.Recipient...)
	if c.Sender != nil {
		candidates = append(candidates, *c.Sender)
	}
	if c.Subject != nil {
		candidates = append(candidates, *c.Subject)
	}
	for i := range candidates {
		if candidates[i].Reference != "" && candidates[i].Reference != viewer {
			return &candidates[i]
		}
	}
	return nil
}

func parseTime(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func lastUpdated(c fhir.Communication) string {
	if c.Meta == nil {
		return ""
	}
	return c.Meta.LastUpdated
}

func topicOf(c fhir.Communication) string {
	if c.Topic != nil {
		if t := strings.TrimSpace(c.Topic.Text); t != "" {
			return t
		}
		for _, coding := range c.Topic.Coding {
			if coding.Display != "" {
				return coding.Display
			}
		}
	}
	for _, p := range c.Payload {
		if p.ContentString != "" {
			return p.ContentString
		}
	}
	return ""
}

func threadFromCommunication(c fhir.Communication, viewer string, dir directory) Thread {
	t := Thread{
		ID:          c.ID,
		Topic:       topicOf(c),
		DisplayName: dir.name(counterpart(c, viewer)),
		CreatedAt:   parseTime(c.Sent, lastUpdated(c)),
	}
	if c.Subject != nil {
		t.SubjectRef = c.Subject.Reference
	}
	return t
}

func messageFromCommunication(c fhir.Communication, viewer string, dir directory) Message {
	m := Message{
		ID:       c.ID,
		ThreadID: threadIDOf(c),
		SentAt:   parseTime(c.Sent, lastUpdated(c)),
		Received: c.Received != "",
	}
	if c.Sender != nil {
		m.SenderRef = c.Sender.Reference
	}
	m.SenderName = dir.name(c.Sender)
	m.Mine = viewer != "" && m.SenderRef == viewer
	for _, p := range c.Payload {
		if p.ContentString != "" && m.Text == "" {
			m.Text = p.ContentString
		}
		if p.ContentAttachment != nil && m.Audio == nil {
			m.Audio = p.ContentAttachment
		}
	}
	return m
}

// summarize fills the last-message and unread fields of t from its messages.
func summarize(t Thread, msgs []Message) Thread {
	t.UnreadCount = UnreadCount(msgs)
	for _, m := range msgs {
		if t.LastMessageAt == nil || m.SentAt.After(*t.LastMessageAt) {
			sent := m.SentAt
			t.LastMessageAt = &sent
			t.LastMessage = m.Preview()
		}
	}
	return t
}
