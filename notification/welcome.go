package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	g "maragu.dev/gomponents"
	h "maragu.dev/gomponents/html"

	"github.com/glimte/cadence/contracts"
	"github.com/glimte/cadence/internal/metrics"
	"github.com/glimte/cadence/messaging"
)

const (
	// WelcomeSubject is the subject line of the welcome email
	WelcomeSubject = "Welcome to Our Service!"
	// WelcomeText is the plain text body of the welcome email
	WelcomeText = "Thank you for registering with us!"
)

// ErrInvalidEvent is returned for a registration event missing required fields
var ErrInvalidEvent = errors.New("notification: invalid registration event")

var validate = validator.New(validator.WithRequiredStructEnabled())

// WelcomeHandler sends a welcome email for every USER_REGISTERED delivery.
// Invalid events and send failures return an error, which discards the
// delivery.
func WelcomeHandler(sender Sender, logger *slog.Logger) contracts.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return messaging.JSONHandler(func(ctx context.Context, event contracts.UserRegistered, d *contracts.Delivery) error {
		if err := validate.Struct(event); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}

		email, err := WelcomeEmail(event, time.Now())
		if err != nil {
			return err
		}

		err = sender.Send(ctx, email)
		metrics.RecordNotification(err)
		if err != nil {
			return fmt.Errorf("notification: send welcome email to user %s: %w", event.ID, err)
		}

		logger.Info("welcome email sent", "userId", event.ID, "messageId", d.MessageID)
		return nil
	})
}

// WelcomeEmail renders the welcome email for event
func WelcomeEmail(event contracts.UserRegistered, now time.Time) (Email, error) {
	var buf bytes.Buffer
	if err := welcomeBody(event, now.Year()).Render(&buf); err != nil {
		return Email{}, fmt.Errorf("notification: render welcome email: %w", err)
	}

	return Email{
		To:      event.Email,
		Subject: WelcomeSubject,
		Text:    WelcomeText,
		HTML:    buf.String(),
	}, nil
}

func welcomeBody(event contracts.UserRegistered, year int) g.Node {
	name := strings.TrimSpace(event.Fullname.Firstname + " " + event.Fullname.Lastname)
	paragraph := h.Style("font-size: 16px;")

	return h.Div(
		h.Style("font-family: Arial, sans-serif; background-color: #f4f6f8; padding: 30px; border-radius: 10px; color: #333;"),
		h.Div(
			h.Style("max-width: 600px; margin: auto; background-color: #ffffff; padding: 20px; border-radius: 10px;"),
			h.H1(h.Style("color: #4CAF50; text-align: center;"), g.Text(WelcomeSubject)),
			h.P(paragraph, g.Text("Hi "), h.Strong(g.Text(name)), g.Text(",")),
			h.P(paragraph,
				g.Text("We are thrilled to have you on board! Your role is: "),
				h.Strong(h.Style("color: #1E90FF;"), g.Text(event.Role)),
			),
			h.P(paragraph, g.Text("Here's what you can do next:")),
			h.Ul(h.Style("font-size: 16px; line-height: 1.6;"),
				h.Li(g.Text("Explore our platform")),
				h.Li(g.Text("Update your profile")),
				h.Li(g.Text("Start enjoying our services")),
			),
			h.P(paragraph, g.Text("Thank you for joining us! We're excited to see you grow with us.")),
			h.P(h.Style("font-size: 16px; color: #777;"), g.Text("Best regards,"), h.Br(), g.Text("The Team")),
			h.Hr(h.Style("border: 0; border-top: 1px solid #eee; margin: 20px 0;")),
			h.P(h.Style("font-size: 12px; color: #999; text-align: center;"),
				g.Text("© "+strconv.Itoa(year)+" Our Service. All rights reserved."),
			),
		),
	)
}
