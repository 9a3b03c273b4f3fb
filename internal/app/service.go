package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"scriptorium/api/internal/auth"
	"scriptorium/api/internal/config"
	"scriptorium/api/internal/identity"
	"scriptorium/api/internal/notify"
	"scriptorium/api/internal/presence"
	"scriptorium/api/internal/rbac"
	"scriptorium/api/internal/store"
	"scriptorium/api/internal/util"
)

var validate = validator.New()

// Session is the verified caller of a request.
type Session struct {
	Person    identity.Person
	TokenID   string
	ExpiresAt time.Time
}

func (s Session) PersonID() string {
	return s.Person.AccountID
}

type Deps struct {
	Store     store.Store
	Presence  presence.Store
	Deliverer notify.Deliverer
	Metrics   *Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type Service struct {
	cfg        config.Config
	store      store.Store
	presence   *presence.Tracker
	dispatcher *notify.Dispatcher
	deliverer  notify.Deliverer
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Presence == nil {
		deps.Presence = presence.NewMemoryStore()
	}
	if deps.Deliverer == nil {
		deps.Deliverer = notify.LogDeliverer{Logger: deps.Logger}
	}
	if cfg.InvitationTTL <= 0 {
		cfg.InvitationTTL = 7 * 24 * time.Hour
	}
	tracker := presence.NewTracker(deps.Presence, cfg.PresenceTTL,
		presence.WithClock(deps.Now),
		presence.WithLogger(deps.Logger),
	)
	dispatcher := notify.NewDispatcher(
		notify.WithClock(deps.Now),
		notify.WithCounter(deps.Metrics.Notifications),
	)
	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		presence:   tracker,
		dispatcher: dispatcher,
		deliverer:  deps.Deliverer,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        deps.Now,
	}
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// SessionFromToken verifies a bearer token and loads the person it names.
// People unknown to the directory are treated as unauthenticated.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.JWTSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	person, err := s.store.GetPerson(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, errUnauthenticated("Unknown account")
	}
	if err != nil {
		return Session{}, fmt.Errorf("load caller: %w", err)
	}
	return Session{Person: person, TokenID: claims.JTI, ExpiresAt: time.Unix(claims.Exp, 0).UTC()}, nil
}

// access is what a person may do on one document.
type access struct {
	doc  store.Document
	role rbac.Role
	caps rbac.Capabilities
}

func (a access) member() bool {
	return a.role != ""
}

// documentAccess loads the document and the caller's grant on it. The
// creator is OWNER even without a collaborator row.
func documentAccess(ctx context.Context, q store.Queries, documentID, personID string) (access, error) {
	doc, err := q.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return access{}, errNotFound("document")
	}
	if err != nil {
		return access{}, err
	}
	if doc.CreatedBy == personID {
		return access{doc: doc, role: rbac.RoleOwner, caps: rbac.CapabilitiesFor(rbac.RoleOwner)}, nil
	}
	collaborator, err := q.GetCollaborator(ctx, documentID, personID)
	if errors.Is(err, sql.ErrNoRows) {
		return access{doc: doc}, nil
	}
	if err != nil {
		return access{}, err
	}
	return access{
		doc:  doc,
		role: rbac.Role(collaborator.Role),
		caps: rbac.Capabilities{CanEdit: collaborator.CanEdit, CanInvite: collaborator.CanInvite, CanDelete: collaborator.CanDelete},
	}, nil
}

func requireMember(a access) error {
	if !a.member() {
		return errNotAuthorized("You are not a collaborator on this document", map[string]any{"documentId": a.doc.ID})
	}
	return nil
}

// withTx runs fn in a transaction and hands every notification it recorded
// to the deliverer once the transaction has committed.
func (s *Service) withTx(ctx context.Context, fn func(q store.Queries, record func(notify.Message) error) error) error {
	var recorded []store.Notification
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		recorded = recorded[:0]
		return fn(q, func(msg notify.Message) error {
			n, err := s.dispatcher.Dispatch(ctx, q, msg)
			if err != nil {
				return err
			}
			recorded = append(recorded, n)
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(recorded) > 0 {
		s.deliverer.Deliver(ctx, recorded)
	}
	return nil
}

type CreateDocumentInput struct {
	Title string `json:"title" validate:"required,max=300"`
}

func (in *CreateDocumentInput) Validate() error {
	in.Title = strings.TrimSpace(in.Title)
	return validate.Struct(in)
}

// CreateDocument inserts the document and the creator's OWNER row together.
func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (store.Document, error) {
	if err := input.Validate(); err != nil {
		return store.Document{}, validationError(err)
	}
	now := s.clock()
	doc := store.Document{
		ID:        util.NewID("doc"),
		Title:     input.Title,
		CreatedBy: session.PersonID(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	caps := rbac.CapabilitiesFor(rbac.RoleOwner)
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if err := q.InsertDocument(ctx, doc); err != nil {
			return err
		}
		_, err := q.InsertCollaborator(ctx, store.Collaborator{
			ID:         util.NewID("col"),
			DocumentID: doc.ID,
			PersonID:   doc.CreatedBy,
			Role:       string(rbac.RoleOwner),
			CanEdit:    caps.CanEdit,
			CanInvite:  caps.CanInvite,
			CanDelete:  caps.CanDelete,
			CreatedAt:  now,
		})
		return err
	})
	if err != nil {
		return store.Document{}, err
	}
	s.logger.InfoContext(ctx, "document created", "document_id", doc.ID, "person_id", doc.CreatedBy)
	return doc, nil
}

func (s *Service) ListCollaborators(ctx context.Context, session Session, documentID string) ([]store.Collaborator, error) {
	a, err := documentAccess(ctx, s.store, documentID, session.PersonID())
	if err != nil {
		return nil, err
	}
	if err := requireMember(a); err != nil {
		return nil, err
	}
	return s.store.ListCollaborators(ctx, documentID)
}

// validationError turns validator output into an INVALID_PAYLOAD error with
// one entry per failing field.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errInvalidPayload(err.Error(), nil)
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[lowerFirst(fe.Field())] = fe.Tag()
	}
	return errInvalidPayload("Request payload is invalid", map[string]any{"fields": fields})
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
