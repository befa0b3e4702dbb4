package notification

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cadence/contracts"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, email Email) error {
	args := m.Called(ctx, email)
	return args.Error(0)
}

func registration() contracts.UserRegistered {
	return contracts.UserRegistered{
		ID:       "u-7",
		Email:    "ada@example.com",
		Fullname: contracts.FullName{Firstname: "Ada", Lastname: "Lovelace"},
		Role:     "artist",
	}
}

func deliveryOf(t *testing.T, v any) *contracts.Delivery {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return &contracts.Delivery{Topic: contracts.TopicUserRegistered, MessageID: "m-1", Body: body}
}

func TestWelcomeEmail(t *testing.T) {
	email, err := WelcomeEmail(registration(), time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "ada@example.com", email.To)
	assert.Equal(t, WelcomeSubject, email.Subject)
	assert.Equal(t, WelcomeText, email.Text)
	assert.Contains(t, email.HTML, "<strong>Ada Lovelace</strong>")
	assert.Contains(t, email.HTML, "artist")
	assert.Contains(t, email.HTML, "2026 Our Service")
}

func TestWelcomeEmailEscapesNames(t *testing.T) {
	event := registration()
	event.Fullname.Firstname = "<script>"

	email, err := WelcomeEmail(event, time.Now())
	require.NoError(t, err)
	assert.NotContains(t, email.HTML, "<script>")
	assert.Contains(t, email.HTML, "&lt;script&gt;")
}

func TestWelcomeHandler(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("sends one email per registration", func(t *testing.T) {
		sender := &mockSender{}
		sender.On("Send", mock.Anything, mock.MatchedBy(func(e Email) bool {
			return e.To == "ada@example.com" && e.Subject == WelcomeSubject
		})).Return(nil).Once()

		err := WelcomeHandler(sender, logger).Handle(context.Background(), deliveryOf(t, registration()))
		require.NoError(t, err)
		sender.AssertExpectations(t)
	})

	t.Run("rejects events missing required fields without sending", func(t *testing.T) {
		sender := &mockSender{}
		event := registration()
		event.Email = "not-an-email"

		err := WelcomeHandler(sender, logger).Handle(context.Background(), deliveryOf(t, event))
		assert.ErrorIs(t, err, ErrInvalidEvent)
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("rejects bodies that do not decode", func(t *testing.T) {
		sender := &mockSender{}
		d := &contracts.Delivery{Topic: contracts.TopicUserRegistered, Body: []byte(`{"id": 42}`)}

		err := WelcomeHandler(sender, logger).Handle(context.Background(), d)
		assert.ErrorIs(t, err, contracts.ErrMalformedPayload)
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("returns send failures", func(t *testing.T) {
		sender := &mockSender{}
		sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("smtp down")).Once()

		err := WelcomeHandler(sender, logger).Handle(context.Background(), deliveryOf(t, registration()))
		assert.ErrorContains(t, err, "smtp down")
		sender.AssertExpectations(t)
	})
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, NewLogSender(slog.New(slog.DiscardHandler)).Send(context.Background(), Email{To: "a@b.c"}))
}
