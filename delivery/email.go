package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/dripflow/logger"
	"go.uber.org/zap"
)

type DeliveryErrorKind string

const PERMANENT_BOUNCE DeliveryErrorKind = "permanent_bounce"
const TRANSIENT DeliveryErrorKind = "transient"

type DeliveryError struct {
	Kind    DeliveryErrorKind
	Message string
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s delivery failure: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %s", e.Kind, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanentBounce reports whether err means the address will never accept mail.
func IsPermanentBounce(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == PERMANENT_BOUNCE
}

type Email struct {
	To      string
	Subject string
	Html    string
	Text    string
	// Headers lets providers correlate tracking callbacks with the step.
	Headers map[string]string
}

type Receipt struct {
	MessageId string
	SentAt    time.Time
}

type EmailSender interface {
	Send(ctx context.Context, email Email) (Receipt, error)
}

var _ EmailSender = new(LogEmailSender)

// LogEmailSender logs messages instead of delivering them.
type LogEmailSender struct{}

func NewLogEmailSender() *LogEmailSender {
	return &LogEmailSender{}
}

func (s *LogEmailSender) Send(ctx context.Context, email Email) (Receipt, error) {
	if len(email.To) == 0 {
		return Receipt{}, &DeliveryError{Kind: PERMANENT_BOUNCE, Message: "empty recipient"}
	}
	receipt := Receipt{MessageId: uuid.NewString(), SentAt: time.Now().UTC()}
	logger.Info("email sent", zap.String("to", email.To), zap.String("subject", email.Subject), zap.String("messageId", receipt.MessageId))
	return receipt, nil
}
