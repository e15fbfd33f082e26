// Package notify tells a called customer where to go. Delivery is best
// effort: any failure of the messaging backend degrades to a wa.me link the
// operator can open by hand.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"qms/ticket-service/internal/models"
)

const (
	OutcomeSkipped = "skipped"
	OutcomeSent    = "sent"
	OutcomeLink    = "link"
)

var (
	sentTotal     = expvar.NewInt("notify_sent_total")
	fallbackTotal = expvar.NewInt("notify_fallback_total")
)

type Outcome struct {
	Status string `json:"status"`
	Link   string `json:"link,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type SettingsSource interface {
	GetSettings(ctx context.Context) (models.Settings, error)
}

// Message is the JSON body posted to the messaging backend.
type Message struct {
	Phone    string `json:"phone"`
	Message  string `json:"message"`
	TicketID string `json:"ticketId"`
	APIKey   string `json:"apiKey"`
}

type Dispatcher struct {
	settings SettingsSource
	client   *http.Client
	timeout  time.Duration
}

func NewDispatcher(settings SettingsSource, client *http.Client, timeout time.Duration) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{settings: settings, client: client, timeout: timeout}
}

// Notify sends the rendered template for ticket. It never returns an error:
// every failure is folded into the Outcome.
func (d *Dispatcher) Notify(ctx context.Context, ticket models.Ticket) Outcome {
	settings, err := d.settings.GetSettings(ctx)
	if err != nil {
		log.Printf("notify settings error=%v ticket_id=%s", err, ticket.TicketID)
		return Outcome{Status: OutcomeSkipped, Reason: "settings unavailable"}
	}
	if !settings.WhatsappEnabled {
		return Outcome{Status: OutcomeSkipped, Reason: "disabled"}
	}
	phone := NormalizePhone(ticket.Phone, settings.CountryCode)
	if phone == "" {
		return Outcome{Status: OutcomeSkipped, Reason: "no phone"}
	}

	template := settings.WhatsappTemplate
	if template == "" {
		template = models.DefaultWhatsappTemplate
	}
	message := Render(template, ticket)
	link := DeepLink(phone, message)

	if settings.WhatsappAPIKey == "" || settings.WhatsappEndpoint == "" {
		fallbackTotal.Add(1)
		return Outcome{Status: OutcomeLink, Link: link}
	}

	err = d.send(ctx, settings.WhatsappEndpoint, Message{
		Phone:    phone,
		Message:  message,
		TicketID: ticket.TicketID,
		APIKey:   settings.WhatsappAPIKey,
	})
	if err != nil {
		fallbackTotal.Add(1)
		log.Printf("notify send failed ticket_id=%s error=%v", ticket.TicketID, err)
		return Outcome{Status: OutcomeLink, Link: link, Reason: err.Error()}
	}
	sentTotal.Add(1)
	return Outcome{Status: OutcomeSent}
}

func (d *Dispatcher) send(ctx context.Context, endpoint string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New("provider rejected request: " + resp.Status)
	}
	return nil
}

// Render substitutes {name}, {number}, {service} and {counter} in one pass.
// Other braces are left untouched and substituted values are not rescanned.
func Render(template string, ticket models.Ticket) string {
	counter := ""
	if ticket.CounterID != nil {
		counter = strconv.Itoa(*ticket.CounterID)
	}
	return strings.NewReplacer(
		"{name}", ticket.CustomerName,
		"{number}", ticket.Number,
		"{service}", ticket.ServiceName,
		"{counter}", counter,
	).Replace(template)
}

// NormalizePhone keeps digits only and swaps a national leading 0 for the
// country code.
func NormalizePhone(phone, countryCode string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	out := digits.String()
	if strings.HasPrefix(out, "0") && countryCode != "" {
		out = strings.TrimLeft(countryCode, "+") + out[1:]
	}
	return out
}

func DeepLink(phone, message string) string {
	return fmt.Sprintf("https://wa.me/%s?text=%s", phone, url.QueryEscape(message))
}
