package messaging

import (
	"log/slog"
	"time"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message types distinguish plain user mail from system notifications.
const (
	TypeStandard          = "standard"
	TypeCollectionRequest = "collection_request"
	TypeRequestResolved   = "request_resolved"
	TypeIngestReport      = "ingest_report"
	TypePackageReady      = "package_ready"
	TypeCollectionDeleted = "collection_deleted"
)

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Send writes a message row. txn may be the service db or an enclosing
// transaction.
func Send(txn *gorm.DB, from, to uuid.UUID, messageType, subject, text string) error {
	message := schema.Message{
		Id:          uuid.New(),
		Subject:     subject,
		Text:        text,
		UserFromId:  from,
		UserToId:    to,
		MessageType: messageType,
		DateSent:    time.Now().UTC(),
	}
	if err := txn.Create(&message).Error; err != nil {
		slog.Error("sql error sending message", "from", from, "to", to, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

func (s *Service) Send(from, to uuid.UUID, subject, text string) error {
	return Send(s.db, from, to, TypeStandard, subject, text)
}

// Inbox returns messages addressed to the user, newest first.
func (s *Service) Inbox(userId uuid.UUID) ([]schema.Message, error) {
	var messages []schema.Message
	err := s.db.Order("date_sent DESC").Find(&messages, "user_to_id = ?", userId).Error
	if err != nil {
		slog.Error("sql error listing inbox", "user_id", userId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return messages, nil
}

func (s *Service) Outbox(userId uuid.UUID) ([]schema.Message, error) {
	var messages []schema.Message
	err := s.db.Order("date_sent DESC").Find(&messages, "user_from_id = ?", userId).Error
	if err != nil {
		slog.Error("sql error listing outbox", "user_id", userId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return messages, nil
}

// MarkReceived stamps date_received the first time the recipient opens the
// message.
func (s *Service) MarkReceived(messageId, userId uuid.UUID) error {
	now := time.Now().UTC()
	result := s.db.Model(&schema.Message{}).
		Where("id = ? AND user_to_id = ? AND date_received IS NULL", messageId, userId).
		Update("date_received", now)
	if result.Error != nil {
		slog.Error("sql error marking message received", "message_id", messageId, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	return nil
}
