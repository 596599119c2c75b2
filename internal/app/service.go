package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"lostfound/api/internal/claims"
	"lostfound/api/internal/metrics"
	"lostfound/api/internal/rbac"
	"lostfound/api/internal/realtime"
	"lostfound/api/internal/search"
)

const (
	maxLabelLength       = 120
	maxDescriptionLength = 2000
	maxDisplayNameLength = 80
	defaultListLimit     = 50
	maxListLimit         = 200
)

type CreateItemInput struct {
	Label       string  `json:"label"`
	Description string  `json:"description"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

type SubmitClaimInput struct {
	Message string `json:"message"`
}

type DecideClaimInput struct {
	Decision string `json:"decision"`
}

type UpdateProfileInput struct {
	DisplayName string `json:"displayName"`
}

// ItemView is an item as seen by one viewer.
type ItemView struct {
	Item        claims.Item       `json:"item"`
	ClaimStatus claims.Status     `json:"claimStatus"`
	Affordance  claims.Affordance `json:"affordance"`
	// StatusReason is set when ClaimStatus is loading because a lookup failed.
	StatusReason string `json:"statusReason,omitempty"`
}

var allowedDecisions = map[string]claims.Decision{
	"accepted": claims.DecisionAccepted,
	"rejected": claims.DecisionRejected,
}

type dataStore interface {
	claims.Port
	DecideClaim(context.Context, string, string, claims.Decision) (claims.ClaimRequest, error)
	ListItems(context.Context, int) ([]claims.Item, error)
	SearchItems(context.Context, string, int) ([]claims.Item, error)
	CreateItem(context.Context, claims.Item) (claims.Item, error)
	DeleteItem(context.Context, string) error
	UpsertProfile(context.Context, claims.Profile) error
	ListItemClaims(context.Context, string) ([]claims.ClaimRequest, error)
	Ping(context.Context) error
}

// ChangeFeed announces committed mutations to item channels. It is nil when
// the database emits change notifications itself.
type ChangeFeed interface {
	claims.ChangeNotifier
	ItemCreated(ctx context.Context, item claims.Item)
}

type Service struct {
	store     dataStore
	broker    realtime.Broker
	feed      ChangeFeed
	search    *search.Service
	metrics   *metrics.Metrics
	log       *slog.Logger
	resolver  *claims.Resolver
	submitter *claims.Submitter
	decider   *claims.Decider
}

type Option func(*Service)

func WithFeed(feed ChangeFeed) Option {
	return func(s *Service) { s.feed = feed }
}

func WithSearch(svc *search.Service) Option {
	return func(s *Service) { s.search = svc }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func New(store dataStore, broker realtime.Broker, opts ...Option) *Service {
	s := &Service{store: store, broker: broker, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.search == nil {
		s.search = search.NewService(nil, search.NewSQLSearch(store), s.log)
	}

	var notifier claims.ChangeNotifier
	if s.feed != nil {
		notifier = s.feed
	}
	s.resolver = claims.NewResolver(store)
	s.submitter = claims.NewSubmitter(store, notifier)
	s.decider = claims.NewDecider(store, notifier)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type pinger interface {
	Ping(context.Context) error
}

// Checks lists the dependencies readiness depends on. A nil value is healthy.
func (s *Service) Checks(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if p, ok := s.broker.(pinger); ok {
		checks["broker"] = p.Ping(ctx)
	}
	return checks
}

// ViewItem loads an item with the viewer's claim status. A status lookup
// failure is not an error: the view reports loading with a reason.
func (s *Service) ViewItem(ctx context.Context, viewer *claims.Identity, itemID string) (ItemView, error) {
	item, err := s.store.FetchItem(ctx, itemID)
	if err != nil {
		return ItemView{}, err
	}

	status, err := s.resolver.Status(ctx, viewer, item)
	view := ItemView{Item: item, ClaimStatus: status, Affordance: claims.AffordanceFor(status)}
	switch {
	case errors.Is(err, claims.ErrProfileUnresolved):
		view.StatusReason = "profile_unresolved"
	case err != nil:
		s.log.Warn("resolve claim status", "item_id", itemID, "error", err)
		view.StatusReason = "lookup_failed"
	}
	return view, nil
}

func (s *Service) ListItems(ctx context.Context, limit int) ([]claims.Item, error) {
	items, err := s.store.ListItems(ctx, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []claims.Item{}
	}
	return items, nil
}

func (s *Service) Search(ctx context.Context, text string, limit, offset int) search.Response {
	return s.search.Search(ctx, search.Query{Text: text, Limit: limit, Offset: offset})
}

func (s *Service) CreateItem(ctx context.Context, viewer *claims.Identity, input CreateItemInput) (claims.Item, error) {
	if viewer == nil || viewer.ID == "" {
		return claims.Item{}, claims.ErrUnauthenticated
	}
	if !rbac.Can(rbac.RelationOf(viewer.ID, ""), rbac.ActionPost) {
		return claims.Item{}, claims.Wrap(claims.KindForbidden, errors.New("posting items is not allowed"))
	}

	label := strings.TrimSpace(input.Label)
	description := strings.TrimSpace(input.Description)
	switch {
	case label == "":
		return claims.Item{}, invalid("label is required")
	case utf8.RuneCountInString(label) > maxLabelLength:
		return claims.Item{}, invalid(fmt.Sprintf("label exceeds %d characters", maxLabelLength))
	case utf8.RuneCountInString(description) > maxDescriptionLength:
		return claims.Item{}, invalid(fmt.Sprintf("description exceeds %d characters", maxDescriptionLength))
	case input.Latitude < -90 || input.Latitude > 90:
		return claims.Item{}, invalid("latitude must be between -90 and 90")
	case input.Longitude < -180 || input.Longitude > 180:
		return claims.Item{}, invalid("longitude must be between -180 and 180")
	}

	creatorName := ""
	if profile, err := s.store.FetchProfile(ctx, viewer.ID); err == nil {
		creatorName = profile.DisplayName
	}

	item, err := s.store.CreateItem(ctx, claims.Item{
		CreatorID:   viewer.ID,
		CreatorName: creatorName,
		Label:       label,
		Description: description,
		Latitude:    input.Latitude,
		Longitude:   input.Longitude,
	})
	if err != nil {
		return claims.Item{}, err
	}

	s.search.IndexItem(item)
	if s.feed != nil {
		s.feed.ItemCreated(ctx, item)
	}
	s.log.Info("item posted", "item_id", item.ID, "creator_id", viewer.ID)
	return item, nil
}

func (s *Service) DeleteItem(ctx context.Context, viewer *claims.Identity, itemID string) error {
	item, err := s.ownedItem(ctx, viewer, itemID, rbac.ActionDelete)
	if err != nil {
		return err
	}
	if err := s.store.DeleteItem(ctx, item.ID); err != nil {
		return err
	}
	s.search.RemoveItem(item.ID)
	if s.feed != nil {
		s.feed.ItemChanged(ctx, item.ID)
	}
	return nil
}

func (s *Service) SubmitClaim(ctx context.Context, viewer *claims.Identity, itemID string, input SubmitClaimInput) (claims.ClaimRequest, error) {
	req, err := s.submitter.Submit(ctx, itemID, viewer, input.Message)
	s.metrics.ClaimSubmitted(submitOutcome(err))
	if err != nil {
		if claims.KindOf(err) == claims.KindSubmissionFailed {
			s.log.Error("claim submission failed", "item_id", itemID, "error", err)
		}
		return claims.ClaimRequest{}, err
	}
	s.log.Info("claim submitted", "item_id", itemID, "claim_id", req.ID, "requester_id", req.RequesterID)
	return req, nil
}

func submitOutcome(err error) string {
	switch claims.KindOf(err) {
	case claims.KindUnknown:
		if err == nil {
			return "created"
		}
		return "failed"
	case claims.KindDuplicateClaim:
		return "duplicate"
	case claims.KindSubmissionFailed:
		return "failed"
	default:
		return "rejected"
	}
}

func (s *Service) DecideClaim(ctx context.Context, viewer *claims.Identity, itemID, claimID string, input DecideClaimInput) (claims.ClaimRequest, error) {
	decision, ok := allowedDecisions[strings.ToLower(strings.TrimSpace(input.Decision))]
	if !ok {
		return claims.ClaimRequest{}, invalid(`decision must be "accepted" or "rejected"`)
	}
	req, err := s.decider.Decide(ctx, itemID, claimID, viewer, decision)
	if err != nil {
		return claims.ClaimRequest{}, err
	}
	s.metrics.ClaimDecided(string(decision))
	s.log.Info("claim decided", "item_id", itemID, "claim_id", claimID, "decision", decision)
	return req, nil
}

func (s *Service) ListItemClaims(ctx context.Context, viewer *claims.Identity, itemID string) ([]claims.ClaimRequest, error) {
	item, err := s.ownedItem(ctx, viewer, itemID, rbac.ActionListClaims)
	if err != nil {
		return nil, err
	}
	requests, err := s.store.ListItemClaims(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if requests == nil {
		requests = []claims.ClaimRequest{}
	}
	return requests, nil
}

func (s *Service) History(ctx context.Context, viewer *claims.Identity, filter string) ([]claims.HistoryEntry, error) {
	return claims.History(ctx, s.store, viewer, claims.ParseFilter(filter))
}

func (s *Service) UpdateProfile(ctx context.Context, viewer *claims.Identity, input UpdateProfileInput) (claims.Profile, error) {
	if viewer == nil || viewer.ID == "" {
		return claims.Profile{}, claims.ErrUnauthenticated
	}
	name := strings.TrimSpace(input.DisplayName)
	if name == "" {
		return claims.Profile{}, invalid("displayName is required")
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return claims.Profile{}, invalid(fmt.Sprintf("displayName exceeds %d characters", maxDisplayNameLength))
	}
	profile := claims.Profile{ID: viewer.ID, DisplayName: name}
	if err := s.store.UpsertProfile(ctx, profile); err != nil {
		return claims.Profile{}, err
	}
	return profile, nil
}

// WatchItem opens a live channel on itemID seeded with its current row. The
// subscription is taken before the fetch so a change racing the fetch is not
// lost. The caller owns the returned channel.
func (s *Service) WatchItem(ctx context.Context, itemID string) (*realtime.Channel, error) {
	ch, err := realtime.Open(ctx, s.broker, itemID,
		realtime.WithLogger(s.log),
		realtime.WithMetrics(s.metrics),
		realtime.WithSource(s.store),
	)
	if err != nil {
		return nil, err
	}
	item, err := s.store.FetchItem(ctx, itemID)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	ch.Seed(item)
	return ch, nil
}

func (s *Service) ownedItem(ctx context.Context, viewer *claims.Identity, itemID string, action rbac.Action) (claims.Item, error) {
	if viewer == nil || viewer.ID == "" {
		return claims.Item{}, claims.ErrUnauthenticated
	}
	item, err := s.store.FetchItem(ctx, itemID)
	if err != nil {
		return claims.Item{}, err
	}
	if !rbac.Can(rbac.RelationOf(viewer.ID, item.CreatorID), action) {
		return claims.Item{}, claims.Wrap(claims.KindForbidden, errors.New("only the finder can do this"))
	}
	return item, nil
}

func invalid(message string) error {
	return claims.Wrap(claims.KindInvalid, errors.New(message))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
