package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/reflectionguide/reflect/internal/audit"
	"github.com/reflectionguide/reflect/internal/fhir"
	inats "github.com/reflectionguide/reflect/internal/nats"
	"github.com/reflectionguide/reflect/internal/usage"
)

const (
	maxThreads      = 100
	messagePageSize = 500
	// Cap on messages (and included senders) read for one listing.
	maxMessages     = 5000
)

type remote interface {
	Read(ctx context.Context, resourceType, id string, out any) error
	Create(ctx context.Context, resourceType string, body, out any) error
	Patch(ctx context.Context, resourceType, id string, ops []fhir.PatchOp, out any) error
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
	SearchAll(ctx context.Context, resourceType string, params url.Values, limit int) (*fhir.Bundle, error)
}

type voiceAttempts interface {
	Claim(ctx context.Context, userID, attemptID string) (*usage.Attempt, error)
	Finish(ctx context.Context, userID, attemptID string, produced bool) (*usage.Attempt, *usage.Record, error)
}

// Service maps thread operations one-to-one onto FHIR calls.
type Service struct {
	remote   remote
	attempts voiceAttempts
	audit    audit.Recorder
	now      func() time.Time
}

func NewService(remote remote, attempts voiceAttempts, rec audit.Recorder) *Service {
	return &Service{remote: remote, attempts: attempts, audit: rec, now: time.Now}
}

// SendInput is one outgoing message. Audio requires AttemptID.
type SendInput struct {
	Text      string
	Audio     *fhir.Attachment
	AttemptID string
}

// SendResult carries the sent message and, for voice messages, the usage
// record after counting.
type SendResult struct {
	Message Message       `json:"message"`
	Usage   *usage.Record `json:"usage,omitempty"`
}

// ListThreads returns the viewer's threads, newest activity first.
func (s *Service) ListThreads(ctx context.Context, viewer string) ([]Thread, error) {
	params := url.Values{
		"part-of:missing": {"true"},
		"_sort":           {"-_lastUpdated"},
		"_count":          {fmt.Sprint(maxThreads)},
		"_include":        {"Communication:recipient", "Communication:subject"},
	}
	params.Set(participantParam(viewer), viewer)
	bundle, err := s.remote.Search(ctx, "Communication", params)
	if err != nil {
		return nil, s.remoteFailed(ctx, viewer, "search threads", err)
	}

	var comms []fhir.Communication
	if err := bundle.Resources("Communication", &comms); err != nil {
		return nil, fmt.Errorf("decoding threads: %w", err)
	}
	dir := directoryFromBundle(bundle)

	threads := make([]Thread, 0, len(comms))
	refs := make([]string, 0, len(comms))
	for _, c := range comms {
		if !isThread(c) {
			continue
		}
		threads = append(threads, threadFromCommunication(c, viewer, dir))
		refs = append(refs, "Communication/"+c.ID)
	}
	if len(threads) == 0 {
		return []Thread{}, nil
	}

	byThread, err := s.messagesFor(ctx, viewer, refs)
	if err != nil {
		// Threads without summaries are still useful.
		slog.Warn("loading thread summaries", "error", err, "profile", viewer)
	}
	for i := range threads {
		threads[i] = summarize(threads[i], byThread[threads[i].ID])
	}
	SortThreads(threads)
	return threads, nil
}

func (s *Service) messagesFor(ctx context.Context, viewer string, threadRefs []string) (map[string][]Message, error) {
	// Newest first, so a capped listing drops the oldest messages.
	params := url.Values{
		"part-of":  {strings.Join(threadRefs, ",")},
		"_sort":    {"-sent"},
		"_count":   {fmt.Sprint(messagePageSize)},
		"_include": {"Communication:sender"},
	}
	bundle, err := s.remote.SearchAll(ctx, "Communication", params, maxMessages)
	if err != nil {
		return nil, err
	}
	var comms []fhir.Communication
	if err := bundle.Resources("Communication", &comms); err != nil {
		return nil, err
	}
	dir := directoryFromBundle(bundle)

	out := make(map[string][]Message)
	for _, c := range comms {
		if isThread(c) {
			continue
		}
		m := messageFromCommunication(c, viewer, dir)
		out[m.ThreadID] = append(out[m.ThreadID], m)
	}
	return out, nil
}

// CreateThread starts a thread owned by the viewer.
func (s *Service) CreateThread(ctx context.Context, viewer, topic string) (Thread, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Thread{}, ErrEmptyTopic
	}

	self := &fhir.Reference{Reference: viewer}
	comm := fhir.Communication{
		ResourceType: "Communication",
		Status:       "in-progress",
		Topic:        &fhir.CodeableConcept{Text: topic},
		Sender:       self,
		Sent:         s.now().UTC().Format(time.RFC3339),
	}
	if strings.HasPrefix(viewer, "Patient/") {
		comm.Subject = self
	}

	var created fhir.Communication
	if err := s.remote.Create(ctx, "Communication", comm, &created); err != nil {
		return Thread{}, s.remoteFailed(ctx, viewer, "create thread", err)
	}
	s.audit.Record(ctx, inats.AuditEvent{
		ProfileID:    viewer,
		EventType:    inats.EventThreadCreated,
		ResourceType: "Communication",
		ResourceID:   created.ID,
	})
	return threadFromCommunication(created, viewer, directory{}), nil
}

// thread loads a thread the viewer takes part in.
func (s *Service) thread(ctx context.Context, viewer, threadID string) (fhir.Communication, error) {
	var c fhir.Communication
	if err := s.remote.Read(ctx, "Communication", threadID, &c); err != nil {
		if errors.Is(err, fhir.ErrNotFound) {
			return c, ErrThreadNotFound
		}
		return c, s.remoteFailed(ctx, viewer, "read thread", err)
	}
	if !isThread(c) || !involves(c, viewer) {
		return c, ErrThreadNotFound
	}
	return c, nil
}

// ListMessages returns a thread's messages, oldest first.
func (s *Service) ListMessages(ctx context.Context, viewer, threadID string) ([]Message, error) {
	if _, err := s.thread(ctx, viewer, threadID); err != nil {
		return nil, err
	}
	byThread, err := s.messagesFor(ctx, viewer, []string{"Communication/" + threadID})
	if err != nil {
		return nil, s.remoteFailed(ctx, viewer, "search messages", err)
	}
	msgs := byThread[threadID]
	if msgs == nil {
		msgs = []Message{}
	}
	SortMessages(msgs)
	return msgs, nil
}

// SendMessage posts a message into a thread. A voice message claims the
// recording attempt first and is counted only once the message exists.
func (s *Service) SendMessage(ctx context.Context, viewer, threadID string, in SendInput) (SendResult, error) {
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" && in.Audio == nil {
		return SendResult{}, ErrEmptyMessage
	}
	if in.Audio != nil && in.AttemptID == "" {
		return SendResult{}, ErrVoiceAttemptRequired
	}

	thread, err := s.thread(ctx, viewer, threadID)
	if err != nil {
		return SendResult{}, err
	}

	if in.Audio != nil {
		if _, err := s.attempts.Claim(ctx, viewer, in.AttemptID); err != nil {
			return SendResult{}, fmt.Errorf("claiming recording attempt: %w", err)
		}
	}

	comm := fhir.Communication{
		ResourceType: "Communication",
		Status:       "completed",
		PartOf:       []fhir.Reference{{Reference: "Communication/" + threadID}},
		Subject:      thread.Subject,
		Sender:       &fhir.Reference{Reference: viewer},
		Sent:         s.now().UTC().Format(time.RFC3339Nano),
	}
	for _, p := range participants(thread) {
		if p.Reference != viewer {
			comm.Recipient = append(comm.Recipient, fhir.Reference{Reference: p.Reference})
		}
	}
	if in.Text != "" {
		comm.Payload = append(comm.Payload, fhir.CommunicationPayload{ContentString: in.Text})
	}
	if in.Audio != nil {
		comm.Payload = append(comm.Payload, fhir.CommunicationPayload{ContentAttachment: in.Audio})
	}

	var created fhir.Communication
	createErr := s.remote.Create(ctx, "Communication", comm, &created)

	var result SendResult
	if in.Audio != nil {
		_, rec, finishErr := s.attempts.Finish(ctx, viewer, in.AttemptID, createErr == nil)
		if finishErr != nil {
			slog.Warn("closing recording attempt", "error", finishErr, "attempt_id", in.AttemptID)
		}
		result.Usage = rec
	}
	if createErr != nil {
		return SendResult{}, s.remoteFailed(ctx, viewer, "send message", createErr)
	}

	s.audit.Record(ctx, inats.AuditEvent{
		ProfileID:    viewer,
		EventType:    inats.EventMessageSent,
		ResourceType: "Communication",
		ResourceID:   created.ID,
		Details:      messageKind(in),
	})
	result.Message = messageFromCommunication(created, viewer, directory{})
	return result, nil
}

func messageKind(in SendInput) string {
	if in.Audio != nil {
		return "voice"
	}
	return "text"
}

// MarkRead stamps received on every unread message the viewer did not send
// and returns how many were marked.
func (s *Service) MarkRead(ctx context.Context, viewer, threadID string) (int, error) {
	msgs, err := s.ListMessages(ctx, viewer, threadID)
	if err != nil {
		return 0, err
	}
	received := s.now().UTC().Format(time.RFC3339)
	marked := 0
	for _, m := range msgs {
		if !m.Unread() {
			continue
		}
		ops := []fhir.PatchOp{{Op: "add", Path: "/received", Value: received}}
		if err := s.remote.Patch(ctx, "Communication", m.ID, ops, nil); err != nil {
			return marked, s.remoteFailed(ctx, viewer, "mark read", err)
		}
		marked++
	}
	return marked, nil
}

func (s *Service) remoteFailed(ctx context.Context, viewer, op string, err error) error {
	s.audit.Record(ctx, inats.AuditEvent{
		ProfileID: viewer,
		EventType: inats.EventRemoteCallFailed,
		Severity:  inats.SeverityError,
		Details:   fmt.Sprintf("%s: %v", op, err),
	})
	return fmt.Errorf("%s: %w: %w", op, ErrRemote, err)
}

// participantParam picks the Communication search parameter for the viewer.
func participantParam(viewer string) string {
	if strings.HasPrefix(viewer, "Patient/") {
		return "subject"
	}
	return "recipient"
}
