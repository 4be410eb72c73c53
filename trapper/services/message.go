package services

import (
	"net/http"
	"time"
	"trapper/trapper/auth"
	"trapper/trapper/messaging"
	"trapper/trapper/schema"
	"trapper/trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MessageService struct {
	db       *gorm.DB
	messages *messaging.Service
	identity *auth.IdentityProvider
}

func (s *MessageService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.identity.Middleware()...)

	r.Get("/inbox", s.Inbox)
	r.Get("/outbox", s.Outbox)
	r.Post("/send", s.Send)
	r.Post("/{message_id}/received", s.MarkReceived)

	return r
}

type messageInfo struct {
	Id           uuid.UUID  `json:"id"`
	Subject      string     `json:"subject"`
	Text         string     `json:"text"`
	MessageType  string     `json:"message_type"`
	UserFromId   uuid.UUID  `json:"user_from_id"`
	UserToId     uuid.UUID  `json:"user_to_id"`
	DateSent     time.Time  `json:"date_sent"`
	DateReceived *time.Time `json:"date_received"`
}

func messageInfoOf(m schema.Message) messageInfo {
	return messageInfo{
		Id: m.Id, Subject: m.Subject, Text: m.Text, MessageType: m.MessageType,
		UserFromId: m.UserFromId, UserToId: m.UserToId,
		DateSent: m.DateSent, DateReceived: m.DateReceived,
	}
}

func (s *MessageService) Inbox(w http.ResponseWriter, r *http.Request) {
	s.listMessages(w, r, s.messages.Inbox)
}

func (s *MessageService) Outbox(w http.ResponseWriter, r *http.Request) {
	s.listMessages(w, r, s.messages.Outbox)
}

func (s *MessageService) listMessages(w http.ResponseWriter, r *http.Request, list func(uuid.UUID) ([]schema.Message, error)) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	messages, err := list(user.Id)
	if err != nil {
		writeError(w, err)
		return
	}

	infos := make([]messageInfo, 0, len(messages))
	for _, message := range messages {
		infos = append(infos, messageInfoOf(message))
	}
	utils.WriteJsonResponse(w, infos)
}

type sendMessageRequest struct {
	To      uuid.UUID `json:"to"`
	Subject string    `json:"subject"`
	Text    string    `json:"text"`
}

func (s *MessageService) Send(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params sendMessageRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Subject == "" {
		http.Error(w, "message subject must be specified", http.StatusBadRequest)
		return
	}

	if _, err := schema.GetUser(params.To, s.db); err != nil {
		writeError(w, err)
		return
	}

	if err := s.messages.Send(user.Id, params.To, params.Subject, params.Text); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

func (s *MessageService) MarkReceived(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	messageId, err := utils.URLParamUUID(r, "message_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.messages.MarkReceived(messageId, user.Id); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}
