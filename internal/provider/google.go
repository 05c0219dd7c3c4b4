package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	defaultGmailBase    = "https://gmail.googleapis.com/gmail/v1"
	defaultCalendarBase = "https://www.googleapis.com/calendar/v3"
	defaultTasksBase    = "https://tasks.googleapis.com/tasks/v1"

	defaultGoogleTimeout = 30 * time.Second
	maxInboxResults      = 20
	maxBodyBytes         = 32 * 1024
)

// GoogleClient issues Google API calls using OAuth access tokens. API base
// URLs are fields so tests can point the client at a local server.
type GoogleClient struct {
	httpClient   *http.Client
	gmailBase    string
	calendarBase string
	tasksBase    string
}

func NewGoogleClient() *GoogleClient {
	return &GoogleClient{
		httpClient:   &http.Client{Timeout: defaultGoogleTimeout},
		gmailBase:    defaultGmailBase,
		calendarBase: defaultCalendarBase,
		tasksBase:    defaultTasksBase,
	}
}

// ModifyResult reports a label change on a message.
type ModifyResult struct {
	MessageID string   `json:"message_id"`
	ThreadID  string   `json:"thread_id"`
	Labels    []string `json:"labels,omitempty"`
}

// MarkRead clears the UNREAD label on a message.
func (g *GoogleClient) MarkRead(ctx context.Context, accessToken, messageID string) (ModifyResult, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return ModifyResult{}, fmt.Errorf("message_id is required")
	}

	payload := []byte(`{"removeLabelIds":["UNREAD"]}`)
	modifyURL := fmt.Sprintf("%s/users/me/messages/%s/modify", g.gmailBase, url.PathEscape(messageID))
	body, err := g.doPost(ctx, accessToken, modifyURL, payload)
	if err != nil {
		return ModifyResult{}, fmt.Errorf("gmail modify: %w", err)
	}
	return decodeModifyResult(body)
}

// Trash moves a message to the trash. The API is idempotent: trashing a
// trashed message succeeds.
func (g *GoogleClient) Trash(ctx context.Context, accessToken, messageID string) (ModifyResult, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return ModifyResult{}, fmt.Errorf("message_id is required")
	}

	trashURL := fmt.Sprintf("%s/users/me/messages/%s/trash", g.gmailBase, url.PathEscape(messageID))
	body, err := g.doPost(ctx, accessToken, trashURL, []byte(`{}`))
	if err != nil {
		return ModifyResult{}, fmt.Errorf("gmail trash: %w", err)
	}
	return decodeModifyResult(body)
}

func decodeModifyResult(body []byte) (ModifyResult, error) {
	var resp struct {
		ID       string   `json:"id"`
		ThreadID string   `json:"threadId"`
		LabelIDs []string `json:"labelIds"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ModifyResult{}, fmt.Errorf("decode gmail message: %w", err)
	}
	return ModifyResult{MessageID: resp.ID, ThreadID: resp.ThreadID, Labels: resp.LabelIDs}, nil
}

// MailArgs describe an outgoing message or draft.
type MailArgs struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Cc       string `json:"cc,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`  // message ID being replied to
	ThreadID string `json:"thread_id,omitempty"` // thread to attach to
}

// DraftResult is returned after creating a draft.
type DraftResult struct {
	DraftID   string `json:"draft_id"`
	MessageID string `json:"message_id"`
}

// SendResult is returned after sending a message.
type SendResult struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
}

// CreateDraft creates a Gmail draft, optionally threaded as a reply.
func (g *GoogleClient) CreateDraft(ctx context.Context, accessToken string, args MailArgs) (DraftResult, error) {
	raw, err := encodeRFC2822(args)
	if err != nil {
		return DraftResult{}, err
	}

	draftPayload := map[string]any{"message": map[string]any{"raw": raw}}
	if args.ThreadID != "" {
		draftPayload["message"].(map[string]any)["threadId"] = args.ThreadID
	}
	payloadBytes, err := json.Marshal(draftPayload)
	if err != nil {
		return DraftResult{}, err
	}

	body, err := g.doPost(ctx, accessToken, g.gmailBase+"/users/me/drafts", payloadBytes)
	if err != nil {
		return DraftResult{}, fmt.Errorf("gmail create draft: %w", err)
	}

	var resp struct {
		ID      string `json:"id"`
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return DraftResult{}, fmt.Errorf("decode gmail draft: %w", err)
	}
	return DraftResult{DraftID: resp.ID, MessageID: resp.Message.ID}, nil
}

// SendMessage sends a message immediately, optionally threaded as a reply.
func (g *GoogleClient) SendMessage(ctx context.Context, accessToken string, args MailArgs) (SendResult, error) {
	raw, err := encodeRFC2822(args)
	if err != nil {
		return SendResult{}, err
	}

	sendPayload := map[string]any{"raw": raw}
	if args.ThreadID != "" {
		sendPayload["threadId"] = args.ThreadID
	}
	payloadBytes, err := json.Marshal(sendPayload)
	if err != nil {
		return SendResult{}, err
	}

	body, err := g.doPost(ctx, accessToken, g.gmailBase+"/users/me/messages/send", payloadBytes)
	if err != nil {
		return SendResult{}, fmt.Errorf("gmail send: %w", err)
	}

	var resp struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return SendResult{}, fmt.Errorf("decode gmail send: %w", err)
	}
	return SendResult{MessageID: resp.ID, ThreadID: resp.ThreadID}, nil
}

func encodeRFC2822(args MailArgs) (string, error) {
	to := strings.TrimSpace(args.To)
	if to == "" {
		return "", fmt.Errorf("to is required")
	}
	body := strings.TrimSpace(args.Body)
	if body == "" {
		return "", fmt.Errorf("body is required")
	}

	var rawMsg strings.Builder
	rawMsg.WriteString("To: " + to + "\r\n")
	if cc := strings.TrimSpace(args.Cc); cc != "" {
		rawMsg.WriteString("Cc: " + cc + "\r\n")
	}
	rawMsg.WriteString("Subject: " + strings.TrimSpace(args.Subject) + "\r\n")
	if args.ReplyTo != "" {
		rawMsg.WriteString("In-Reply-To: " + args.ReplyTo + "\r\n")
		rawMsg.WriteString("References: " + args.ReplyTo + "\r\n")
	}
	rawMsg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	rawMsg.WriteString("\r\n")
	rawMsg.WriteString(body)

	return base64URLEncode([]byte(rawMsg.String())), nil
}

// EventArgs describe a calendar event to create.
type EventArgs struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendees   []string  `json:"attendees,omitempty"`
}

// EventResult is returned after creating a calendar event.
type EventResult struct {
	EventID  string `json:"event_id"`
	HTMLLink string `json:"html_link,omitempty"`
	Start    string `json:"start"`
	End      string `json:"end"`
}

// CreateEvent inserts an event on the primary calendar.
func (g *GoogleClient) CreateEvent(ctx context.Context, accessToken string, args EventArgs) (EventResult, error) {
	if args.Start.IsZero() || args.End.IsZero() || !args.End.After(args.Start) {
		return EventResult{}, fmt.Errorf("a valid start/end window is required")
	}
	summary := strings.TrimSpace(args.Summary)
	if summary == "" {
		summary = "New meeting"
	}

	event := map[string]any{
		"summary": summary,
		"start":   map[string]string{"dateTime": args.Start.Format(time.RFC3339)},
		"end":     map[string]string{"dateTime": args.End.Format(time.RFC3339)},
	}
	if args.Description != "" {
		event["description"] = args.Description
	}
	if len(args.Attendees) > 0 {
		attendees := make([]map[string]string, 0, len(args.Attendees))
		for _, email := range args.Attendees {
			attendees = append(attendees, map[string]string{"email": email})
		}
		event["attendees"] = attendees
	}

	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return EventResult{}, err
	}

	body, err := g.doPost(ctx, accessToken, g.calendarBase+"/calendars/primary/events", payloadBytes)
	if err != nil {
		return EventResult{}, fmt.Errorf("calendar insert: %w", err)
	}

	var resp struct {
		ID       string `json:"id"`
		HTMLLink string `json:"htmlLink"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return EventResult{}, fmt.Errorf("decode calendar event: %w", err)
	}
	return EventResult{
		EventID:  resp.ID,
		HTMLLink: resp.HTMLLink,
		Start:    args.Start.Format(time.RFC3339),
		End:      args.End.Format(time.RFC3339),
	}, nil
}

// TaskArgs describe a task to create on the default task list.
type TaskArgs struct {
	Title string `json:"title"`
	Notes string `json:"notes,omitempty"`
	Due   string `json:"due,omitempty"` // RFC 3339 date
}

// TaskResult is returned after creating a task.
type TaskResult struct {
	TaskID string `json:"task_id"`
}

// CreateTask inserts a task on the default list.
func (g *GoogleClient) CreateTask(ctx context.Context, accessToken string, args TaskArgs) (TaskResult, error) {
	title := strings.TrimSpace(args.Title)
	if title == "" {
		return TaskResult{}, fmt.Errorf("title is required")
	}

	task := map[string]any{"title": title}
	if args.Notes != "" {
		task["notes"] = args.Notes
	}
	if args.Due != "" {
		task["due"] = args.Due
	}

	payloadBytes, err := json.Marshal(task)
	if err != nil {
		return TaskResult{}, err
	}

	body, err := g.doPost(ctx, accessToken, g.tasksBase+"/lists/@default/tasks", payloadBytes)
	if err != nil {
		return TaskResult{}, fmt.Errorf("tasks insert: %w", err)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return TaskResult{}, fmt.Errorf("decode task: %w", err)
	}
	return TaskResult{TaskID: resp.ID}, nil
}

// InboxMessage is a summary of one inbox message for the chat surface.
type InboxMessage struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	Subject   string `json:"subject"`
	From      string `json:"from"`
	Date      string `json:"date"`
	Snippet   string `json:"snippet"`
	Unread    bool   `json:"unread"`
	Important bool   `json:"important"`
}

// ListInbox returns recent inbox message summaries with the importance
// predicate applied.
func (g *GoogleClient) ListInbox(ctx context.Context, accessToken string, limit int) ([]InboxMessage, error) {
	if limit <= 0 || limit > maxInboxResults {
		limit = maxInboxResults
	}

	listURL := fmt.Sprintf("%s/users/me/messages?labelIds=INBOX&maxResults=%d", g.gmailBase, limit)
	listBody, err := g.doGet(ctx, accessToken, listURL)
	if err != nil {
		return nil, fmt.Errorf("gmail list: %w", err)
	}

	var listResp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(listBody, &listResp); err != nil {
		return nil, fmt.Errorf("decode gmail list: %w", err)
	}
	if len(listResp.Messages) == 0 {
		return []InboxMessage{}, nil
	}

	results := make([]InboxMessage, 0, len(listResp.Messages))
	for _, msg := range listResp.Messages {
		metaURL := fmt.Sprintf("%s/users/me/messages/%s?format=metadata&metadataHeaders=Subject&metadataHeaders=From&metadataHeaders=Date", g.gmailBase, url.PathEscape(msg.ID))
		metaBody, err := g.doGet(ctx, accessToken, metaURL)
		if err != nil {
			continue // skip individual failures
		}

		var metaResp gmailMessage
		if err := json.Unmarshal(metaBody, &metaResp); err != nil {
			continue
		}

		subject := metaResp.headerValue("Subject")
		results = append(results, InboxMessage{
			MessageID: metaResp.ID,
			ThreadID:  metaResp.ThreadID,
			Subject:   subject,
			From:      metaResp.headerValue("From"),
			Date:      metaResp.headerValue("Date"),
			Snippet:   metaResp.Snippet,
			Unread:    hasLabel(metaResp.LabelIDs, "UNREAD"),
			Important: IsImportant(subject, metaResp.Snippet),
		})
	}
	return results, nil
}

// ReadMessage fetches the full content of one message, rendering HTML
// bodies to markdown.
func (g *GoogleClient) ReadMessage(ctx context.Context, accessToken, messageID string) (MessageContent, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return MessageContent{}, fmt.Errorf("message_id is required")
	}

	msgURL := fmt.Sprintf("%s/users/me/messages/%s?format=full", g.gmailBase, url.PathEscape(messageID))
	body, err := g.doGet(ctx, accessToken, msgURL)
	if err != nil {
		return MessageContent{}, fmt.Errorf("gmail get message: %w", err)
	}

	var resp gmailMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return MessageContent{}, fmt.Errorf("decode gmail message: %w", err)
	}

	text := resp.extractBody()
	truncated := false
	if len(text) > maxBodyBytes {
		text = text[:maxBodyBytes]
		truncated = true
	}

	return MessageContent{
		MessageID: resp.ID,
		ThreadID:  resp.ThreadID,
		Subject:   resp.headerValue("Subject"),
		From:      resp.headerValue("From"),
		To:        resp.headerValue("To"),
		Date:      resp.headerValue("Date"),
		Body:      text,
		Truncated: truncated,
		Labels:    resp.LabelIDs,
	}, nil
}

// MessageContent is the full content of a single email.
type MessageContent struct {
	MessageID string   `json:"message_id"`
	ThreadID  string   `json:"thread_id"`
	Subject   string   `json:"subject"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Date      string   `json:"date"`
	Body      string   `json:"body"`
	Truncated bool     `json:"truncated"`
	Labels    []string `json:"labels,omitempty"`
}

func (g *GoogleClient) doGet(ctx context.Context, accessToken, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", "Steward/0.1 (google)")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("google API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (g *GoogleClient) doPost(ctx context.Context, accessToken, reqURL string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Steward/0.1 (google)")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("google API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// gmailMessage represents a Gmail API message resource.
type gmailMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	Snippet  string   `json:"snippet"`
	LabelIDs []string `json:"labelIds"`
	Payload  gmailPart `json:"payload"`
}

type gmailPart struct {
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Data string `json:"data"`
		Size int    `json:"size"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

func (m *gmailMessage) headerValue(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// extractBody extracts a readable body: text/plain preferred, then
// text/html converted to markdown, then the snippet.
func (m *gmailMessage) extractBody() string {
	if text := extractPartByMime(m.Payload, "text/plain"); text != "" {
		return text
	}
	if html := extractPartByMime(m.Payload, "text/html"); html != "" {
		if markdown, err := htmltomarkdown.ConvertString(html); err == nil {
			return markdown
		}
	}
	return m.Snippet
}

func extractPartByMime(part gmailPart, mimeType string) string {
	if part.MimeType == mimeType && part.Body.Data != "" {
		if decoded, err := base64URLDecode(part.Body.Data); err == nil {
			return string(decoded)
		}
	}
	for _, child := range part.Parts {
		if text := extractPartByMime(child, mimeType); text != "" {
			return text
		}
	}
	return ""
}

func hasLabel(labels []string, want string) bool {
	for _, label := range labels {
		if label == want {
			return true
		}
	}
	return false
}

// base64URLEncode encodes bytes to URL-safe base64 without padding.
func base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// base64URLDecode decodes URL-safe base64 (with or without padding).
func base64URLDecode(s string) ([]byte, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(s)
	if err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
