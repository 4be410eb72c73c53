package access

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"trapper/trapper/messaging"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrRequestFlood     = errors.New("an open request for this collection was sent recently")
	ErrRequestResolved  = errors.New("request is already resolved")
	ErrNotRequestOwner  = errors.New("only the collection owner can resolve the request")
	ErrNothingToRequest = errors.New("no requestable collections given")
)

// RequestCollectionAccess opens access requests for on-demand collections
// within a research project. Collections are grouped by owner; one request
// row and one notification per owner. Collections with an open request from
// the same user inside the flood window are rejected.
func (s *Service) RequestCollectionAccess(user schema.User, projectId uuid.UUID, collectionIds []uuid.UUID, text string) ([]schema.CollectionRequest, error) {
	var requests []schema.CollectionRequest

	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, err := schema.GetResearchProject(projectId, txn)
		if err != nil {
			return err
		}

		byOwner := map[uuid.UUID][]schema.Collection{}
		for _, collectionId := range collectionIds {
			collection, err := schema.GetCollection(collectionId, txn, false)
			if err != nil {
				return err
			}
			flooded, err := s.openRequestExists(txn, user.Id, collectionId)
			if err != nil {
				return err
			}
			if flooded {
				return fmt.Errorf("%w: %v", ErrRequestFlood, collection.Name)
			}
			byOwner[collection.OwnerId] = append(byOwner[collection.OwnerId], collection)
		}
		if len(byOwner) == 0 {
			return ErrNothingToRequest
		}

		for ownerId, collections := range byOwner {
			request := schema.CollectionRequest{
				Id:          uuid.New(),
				UserId:      ownerId,
				UserFromId:  user.Id,
				ProjectId:   projectId,
				Collections: collections,
				Text:        text,
				AddedAt:     time.Now().UTC(),
			}
			if err := txn.Create(&request).Error; err != nil {
				slog.Error("sql error creating collection request", "user_id", user.Id, "owner_id", ownerId, "error", err)
				return schema.ErrDbAccessFailed
			}

			names := make([]string, 0, len(collections))
			for _, collection := range collections {
				names = append(names, collection.Name)
			}
			subject := fmt.Sprintf("Access request for project %v", project.Name)
			body := fmt.Sprintf("User %v requests access to collections: %v", user.Username, strings.Join(names, ", "))
			if err := messaging.Send(txn, user.Id, ownerId, messaging.TypeCollectionRequest, subject, body); err != nil {
				return err
			}

			requests = append(requests, request)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return requests, nil
}

// openRequestExists checks the flood window: an unresolved request for the
// collection from the same user newer than now-FloodDelay blocks a new one.
// Older unresolved requests are inactive and do not block.
func (s *Service) openRequestExists(txn *gorm.DB, userId, collectionId uuid.UUID) (bool, error) {
	cutoff := time.Now().UTC().Add(-s.FloodDelay)

	var count int64
	err := txn.Model(&schema.CollectionRequest{}).
		Joins("JOIN collection_request_collections crc ON crc.collection_request_id = collection_requests.id").
		Where("collection_requests.user_from_id = ? AND crc.collection_id = ?", userId, collectionId).
		Where("collection_requests.resolved_at IS NULL AND collection_requests.added_at > ?", cutoff).
		Count(&count).Error
	if err != nil {
		slog.Error("sql error in request flood check", "user_id", userId, "collection_id", collectionId, "error", err)
		return false, schema.ErrDbAccessFailed
	}
	return count > 0, nil
}

// ResolveCollectionRequest closes a request. Approval grants ACCESS_REQUEST
// membership on every requested collection; either way the requester is
// notified.
func (s *Service) ResolveCollectionRequest(requestId uuid.UUID, resolver schema.User, approve bool) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		request, err := schema.GetCollectionRequest(requestId, txn)
		if err != nil {
			return err
		}
		if request.ResolvedAt != nil {
			return ErrRequestResolved
		}
		if request.UserId != resolver.Id && !resolver.IsAdmin {
			return ErrNotRequestOwner
		}

		now := time.Now().UTC()
		err = txn.Model(&schema.CollectionRequest{}).Where("id = ?", requestId).
			Updates(map[string]interface{}{"resolved_at": now, "is_approved": approve}).Error
		if err != nil {
			slog.Error("sql error resolving collection request", "request_id", requestId, "error", err)
			return schema.ErrDbAccessFailed
		}

		verdict := "rejected"
		if approve {
			verdict = "approved"
			collectionIds := make([]uuid.UUID, 0, len(request.Collections))
			for _, collection := range request.Collections {
				collectionIds = append(collectionIds, collection.Id)
			}
			if err := grantMembership(txn, request.UserFromId, collectionIds, schema.LevelAccessRequest); err != nil {
				return err
			}
		}

		subject := "Your collection access request was " + verdict
		return messaging.Send(txn, resolver.Id, request.UserFromId, messaging.TypeRequestResolved, subject, request.Text)
	})
}
