package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const slackFooter = "playbook-orch"

// SlackNotifier posts job notices to an incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the job summary. Fields render as a two column
// table in the Slack client.
type SlackAttachment struct {
	Fallback string       `json:"fallback,omitempty"`
	Color    string       `json:"color"`
	Title    string       `json:"title,omitempty"`
	Text     string       `json:"text"`
	Fields   []SlackField `json:"fields,omitempty"`
	Footer   string       `json:"footer,omitempty"`
	Ts       int64        `json:"ts,omitempty"`
}

// SlackField is one key/value cell of an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a notifier for the webhook. An empty URL
// disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackColor maps a notice type to an attachment color
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// slackMessage renders a notice as a webhook payload
func slackMessage(n Notification) SlackMessage {
	att := SlackAttachment{
		Fallback: n.Title + ": " + n.Message,
		Color:    SlackColor(n.Type),
		Text:     n.Message,
		Footer:   slackFooter,
	}
	if n.JobID != "" {
		att.Title = n.Project + " " + n.JobID
		att.Fields = jobFields(n)
	}
	if !n.FinishedAt.IsZero() {
		att.Ts = n.FinishedAt.Unix()
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

func jobFields(n Notification) []SlackField {
	var fields []SlackField
	if n.Playbook != "" {
		fields = append(fields, SlackField{Title: "Playbook", Value: n.Playbook, Short: true})
	}
	if n.Inventory != "" {
		fields = append(fields, SlackField{Title: "Inventory", Value: n.Inventory, Short: true})
	}
	if n.Status != "" {
		fields = append(fields, SlackField{Title: "Status", Value: string(n.Status), Short: true})
	}

	// Jobs that never launched have no exit code
	exit := "none"
	if n.ExitCode != nil {
		exit = strconv.Itoa(*n.ExitCode)
	}
	fields = append(fields, SlackField{Title: "Exit code", Value: exit, Short: true})

	if n.Duration > 0 {
		fields = append(fields, SlackField{Title: "Duration", Value: n.Duration.Round(10 * time.Millisecond).String(), Short: true})
	}
	return fields
}

// Send posts the notice. Any status other than 200 is an error.
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(slackMessage(n))
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
