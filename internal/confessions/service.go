package confessions

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrValidation marks failures caused by client input.
	ErrValidation = errors.New("confessions: validation failed")
	// ErrNotFound marks operations that referenced a confession that does not exist.
	ErrNotFound = errors.New("confessions: not found")
	// ErrPersistence marks store failures.
	ErrPersistence = errors.New("confessions: persistence failed")

	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code and unwraps to both the
// error kind (ErrValidation, ErrNotFound, ErrPersistence) and the cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "confessions.service.new"
	opList         = "confessions.list"
	opCreate       = "confessions.create"
	opLike         = "confessions.like"
	opReconcile    = "confessions.reconcile_like_counts"
	fieldUserID    = "user_id"
	fieldConfessID = "confession_id"

	reasonMissingStore           = "missing_store"
	reasonMissingIDProvider      = "missing_id_provider"
	reasonQueryFailed            = "query_failed"
	reasonLikesQueryFailed       = "likes_query_failed"
	reasonInvalidMessage         = "invalid_message"
	reasonInvalidUserID          = "invalid_user_id"
	reasonInvalidConfessionID    = "invalid_confession_id"
	reasonIDGenerationFailed     = "id_generation_failed"
	reasonInsertFailed           = "insert_failed"
	reasonConfessionLookupFailed = "confession_lookup_failed"
	reasonConfessionMissing      = "confession_missing"
	reasonLikeLookupFailed       = "like_lookup_failed"
	reasonLikeInsertFailed       = "like_insert_failed"
	reasonLikeCountUpdateFailed  = "like_count_update_failed"
	reasonTransactionFailed      = "transaction_failed"
	reasonMissingRowID           = "missing_row_id"

	defaultLikeMaxAttempts = 3
)

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// Observer receives notifications about service outcomes. It is satisfied by
// the metrics recorder.
type Observer interface {
	ConfessionCreated()
	LikeApplied(duplicate bool)
	FeedDegraded()
}

type noOpObserver struct{}

func (noOpObserver) ConfessionCreated() {}
func (noOpObserver) LikeApplied(bool)  {}
func (noOpObserver) FeedDegraded()     {}

type ServiceConfig struct {
	Store      Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Observer   Observer
	// LikeMaxAttempts bounds how many times a like is attempted when the store fails.
	LikeMaxAttempts  int
	LikeRetryBackoff time.Duration
}

// Service implements listing, posting and liking confessions. It keeps no
// state of its own between calls.
type Service struct {
	store            Store
	clock            func() time.Time
	idProvider       IDProvider
	logger           *zap.Logger
	observer         Observer
	likeMaxAttempts  int
	likeRetryBackoff time.Duration
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, ErrPersistence, errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, ErrPersistence, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	var observer Observer = noOpObserver{}
	if cfg.Observer != nil {
		observer = cfg.Observer
	}

	attempts := cfg.LikeMaxAttempts
	if attempts <= 0 {
		attempts = defaultLikeMaxAttempts
	}
	backoff := cfg.LikeRetryBackoff
	if backoff < 0 {
		backoff = 0
	}

	return &Service{
		store:            cfg.Store,
		clock:            clock,
		idProvider:       cfg.IDProvider,
		logger:           logger,
		observer:         observer,
		likeMaxAttempts:  attempts,
		likeRetryBackoff: backoff,
	}, nil
}

// ListConfessions returns every confession, newest first, with HasLiked set
// for the confessions rawUserID has liked. It never fails: store errors are
// logged and produce an empty feed.
func (s *Service) ListConfessions(ctx context.Context, rawUserID string) []ConfessionView {
	if s.store == nil {
		s.logError(opList, reasonMissingStore, errMissingStore)
		s.observerOrDefault().FeedDegraded()
		return []ConfessionView{}
	}

	rows, err := s.store.SelectAllConfessions(ctx)
	if err != nil {
		s.logError(opList, reasonQueryFailed, err)
		s.observerOrDefault().FeedDegraded()
		return []ConfessionView{}
	}

	liked := s.likedConfessionIDs(ctx, rawUserID)
	views := make([]ConfessionView, 0, len(rows))
	for _, row := range rows {
		_, hasLiked := liked[row.ID]
		views = append(views, toView(s.hydrate(row), hasLiked))
	}
	sortNewestFirst(views)
	return views
}

func (s *Service) likedConfessionIDs(ctx context.Context, rawUserID string) map[string]struct{} {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return nil
	}
	likes, err := s.store.SelectLikesByUser(ctx, userID)
	if err != nil {
		s.logError(opList, reasonLikesQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil
	}
	liked := make(map[string]struct{}, len(likes))
	for _, like := range likes {
		liked[like.ConfessionID] = struct{}{}
	}
	return liked
}

// CreateConfession stores a new confession with a zero like count.
func (s *Service) CreateConfession(ctx context.Context, text string) (ConfessionView, error) {
	message, err := NewMessage(text)
	if err != nil {
		return ConfessionView{}, newServiceError(opCreate, reasonInvalidMessage, ErrValidation, err)
	}
	if s.store == nil {
		s.logError(opCreate, reasonMissingStore, errMissingStore)
		return ConfessionView{}, newServiceError(opCreate, reasonMissingStore, ErrPersistence, errMissingStore)
	}
	if s.idProvider == nil {
		s.logError(opCreate, reasonMissingIDProvider, errMissingIDProvider)
		return ConfessionView{}, newServiceError(opCreate, reasonMissingIDProvider, ErrPersistence, errMissingIDProvider)
	}

	confessionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDGenerationFailed, err)
		return ConfessionView{}, newServiceError(opCreate, reasonIDGenerationFailed, ErrPersistence, err)
	}

	stored, err := s.store.InsertConfession(ctx, Confession{
		ID:        confessionID,
		Message:   message.String(),
		LikeCount: 0,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.logError(opCreate, reasonInsertFailed, err, zap.String(fieldConfessID, confessionID))
		return ConfessionView{}, newServiceError(opCreate, reasonInsertFailed, ErrPersistence, err)
	}

	s.observerOrDefault().ConfessionCreated()
	return toView(s.hydrate(stored), false), nil
}

// LikeConfession records that rawUserID likes rawConfessionID. Repeating the
// call for the same pair returns the current view without counting again.
// Store failures are retried up to the configured attempt limit.
func (s *Service) LikeConfession(ctx context.Context, rawConfessionID, rawUserID string) (ConfessionView, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return ConfessionView{}, newServiceError(opLike, reasonInvalidUserID, ErrValidation, err)
	}
	confessionID, err := NewConfessionID(rawConfessionID)
	if err != nil {
		return ConfessionView{}, newServiceError(opLike, reasonInvalidConfessionID, ErrNotFound, err)
	}
	if s.store == nil {
		s.logError(opLike, reasonMissingStore, errMissingStore)
		return ConfessionView{}, newServiceError(opLike, reasonMissingStore, ErrPersistence, errMissingStore)
	}

	attempts := s.likeMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		view, duplicate, likeErr := s.applyLike(ctx, confessionID, userID)
		if likeErr == nil {
			s.observerOrDefault().LikeApplied(duplicate)
			return view, nil
		}
		if !errors.Is(likeErr, ErrPersistence) {
			return ConfessionView{}, likeErr
		}
		lastErr = likeErr
		s.logError(opLike, reasonFromError(likeErr), likeErr,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldConfessID, confessionID.String()),
			zap.Int("attempt", attempt))
		if attempt == attempts {
			break
		}
		if waitErr := s.waitBeforeRetry(ctx, attempt); waitErr != nil {
			return ConfessionView{}, newServiceError(opLike, reasonTransactionFailed, ErrPersistence, waitErr)
		}
	}
	return ConfessionView{}, lastErr
}

func (s *Service) applyLike(ctx context.Context, confessionID ConfessionID, userID UserID) (ConfessionView, bool, error) {
	var (
		result    Confession
		duplicate bool
	)
	transactionErr := s.store.WithinTransaction(ctx, func(store Store) error {
		current, found, err := store.SelectConfessionByID(ctx, confessionID)
		if err != nil {
			return newServiceError(opLike, reasonConfessionLookupFailed, ErrPersistence, err)
		}
		if !found {
			return newServiceError(opLike, reasonConfessionMissing, ErrNotFound, nil)
		}

		_, alreadyLiked, err := store.SelectLike(ctx, userID, confessionID)
		if err != nil {
			return newServiceError(opLike, reasonLikeLookupFailed, ErrPersistence, err)
		}
		if alreadyLiked {
			result, duplicate = current, true
			return nil
		}

		_, inserted, err := store.InsertLike(ctx, Like{
			UserID:       userID.String(),
			ConfessionID: confessionID.String(),
			CreatedAt:    s.now().UTC(),
		})
		if err != nil {
			return newServiceError(opLike, reasonLikeInsertFailed, ErrPersistence, err)
		}
		if !inserted {
			result, duplicate = current, true
			return nil
		}

		updated, err := store.IncrementConfessionLikeCount(ctx, confessionID)
		if errors.Is(err, ErrRowNotFound) {
			return newServiceError(opLike, reasonConfessionMissing, ErrNotFound, err)
		}
		if err != nil {
			return newServiceError(opLike, reasonLikeCountUpdateFailed, ErrPersistence, err)
		}
		result = updated
		return nil
	})
	if transactionErr != nil {
		var serviceErr *ServiceError
		if errors.As(transactionErr, &serviceErr) {
			return ConfessionView{}, false, transactionErr
		}
		return ConfessionView{}, false, newServiceError(opLike, reasonTransactionFailed, ErrPersistence, transactionErr)
	}
	return toView(s.hydrate(result), true), duplicate, nil
}

func (s *Service) waitBeforeRetry(ctx context.Context, attempt int) error {
	delay := s.likeRetryBackoff * time.Duration(attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ReconcileLikeCounts raises each confession's like count to the number of
// stored likes for it and reports how many confessions changed. Counts are
// never lowered, including for likes recorded while it runs.
func (s *Service) ReconcileLikeCounts(ctx context.Context) (int, error) {
	if s.store == nil {
		s.logError(opReconcile, reasonMissingStore, errMissingStore)
		return 0, newServiceError(opReconcile, reasonMissingStore, ErrPersistence, errMissingStore)
	}

	updated, err := s.store.RaiseLikeCountsToRecorded(ctx)
	if err != nil {
		s.logError(opReconcile, reasonLikeCountUpdateFailed, err)
		return 0, newServiceError(opReconcile, reasonLikeCountUpdateFailed, ErrPersistence, err)
	}
	if updated > 0 {
		s.loggerOrDefault().Info("confession like counts reconciled", zap.Int64("updated", updated))
	}
	return int(updated), nil
}

// hydrate applies the defaults for fields a store row may lack.
func (s *Service) hydrate(row Confession) Confession {
	if strings.TrimSpace(row.ID) == "" {
		s.loggerOrDefault().Warn("confession row without id", zap.String("reason", reasonMissingRowID))
		if s.idProvider != nil {
			if generated, err := s.idProvider.NewID(); err == nil {
				row.ID = generated
			}
		}
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	row.CreatedAt = row.CreatedAt.UTC()
	if row.LikeCount < 0 {
		row.LikeCount = 0
	}
	return row
}

func toView(row Confession, hasLiked bool) ConfessionView {
	return ConfessionView{
		ID:        row.ID,
		Message:   row.Message,
		LikeCount: row.LikeCount,
		CreatedAt: row.CreatedAt,
		HasLiked:  hasLiked,
	}
}

func sortNewestFirst(views []ConfessionView) {
	slices.SortStableFunc(views, func(left, right ConfessionView) int {
		if order := right.CreatedAt.Compare(left.CreatedAt); order != 0 {
			return order
		}
		return cmp.Compare(right.ID, left.ID)
	})
}

func reasonFromError(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		code := serviceErr.Code()
		if index := strings.LastIndex(code, "."); index >= 0 {
			return code[index+1:]
		}
		return code
	}
	return reasonTransactionFailed
}

func (s *Service) now() time.Time {
	if s == nil || s.clock == nil {
		return time.Now()
	}
	return s.clock()
}

func (s *Service) observerOrDefault() Observer {
	if s == nil || s.observer == nil {
		return noOpObserver{}
	}
	return s.observer
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("confessions service error", attrs...)
}
