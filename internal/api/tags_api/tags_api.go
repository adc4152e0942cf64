package tags_api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/services/advisor"
	"github.com/BearBump/TagBox/internal/services/capacity"
	"github.com/BearBump/TagBox/internal/services/tags"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

var (
	errBadRequest  = errors.New("bad request")
	errRateLimited = errors.New("too many activation attempts")
)

type TagService interface {
	CreateTag(ctx context.Context, category string) (*models.Tag, error)
	GetTag(ctx context.Context, id uint64) (*models.Tag, error)
	Allocate(ctx context.Context, tagID uint64, in tags.AllocateInput) (*models.Tag, error)
	Activate(ctx context.Context, in tags.ActivateInput) (*models.Tag, error)
	Renew(ctx context.Context, tagID uint64, actingUserID *uint64) (*models.Tag, error)
	Deactivate(ctx context.Context, tagID uint64, actingUserID *uint64) (*models.Tag, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	GetAllocationCounters(ctx context.Context, p models.PartnerRef) (models.AllocationCounters, error)
	ListCredits(ctx context.Context, accountID uint64, limit, offset int) ([]*models.CreditEntry, error)
}

type AdvisorService interface {
	AssignAdvisor(ctx context.Context, ownerID uint64) (*advisor.Assignment, error)
}

type CapacityService interface {
	Snapshot(ctx context.Context, vetID uint64) (*capacity.Snapshot, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, subject string, limit int64, window time.Duration) (bool, int64, error)
}

type TagsAPI struct {
	tags     TagService
	advisors AdvisorService
	capacity CapacityService

	limiter       RateLimiter
	activateLimit int64
}

func New(ts TagService, as AdvisorService, cs CapacityService) *TagsAPI {
	return &TagsAPI{tags: ts, advisors: as, capacity: cs}
}

// WithRateLimiter limits activation attempts per acting user per minute.
func (a *TagsAPI) WithRateLimiter(rl RateLimiter, perMinute int64) *TagsAPI {
	a.limiter = rl
	a.activateLimit = perMinute
	return a
}

func (a *TagsAPI) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/tags", a.createTag)
		r.Post("/tags/sweep", a.sweepExpired)
		r.Get("/tags/{tagID}", a.getTag)
		r.Post("/tags/{tagID}/allocate", a.allocateTag)
		r.Post("/tags/{tagID}/activate", a.activateTag)
		r.Post("/tags/{tagID}/renew", a.renewTag)
		r.Post("/tags/{tagID}/deactivate", a.deactivateTag)

		r.Get("/partners/{kind}/{partnerID}/counters", a.getCounters)
		r.Get("/accounts/{accountID}/credits", a.listCredits)

		r.Post("/owners/{ownerID}/advisor", a.assignAdvisor)
		r.Get("/vets/{vetID}/capacity", a.getCapacity)
	})
}

type createTagRequest struct {
	Category string `json:"category"`
}

func (a *TagsAPI) createTag(w http.ResponseWriter, r *http.Request) {
	var req createTagRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := a.tags.CreateTag(r.Context(), req.Category)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTagView(t))
}

func (a *TagsAPI) getTag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "tagID")
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := a.tags.GetTag(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTagView(t))
}

type allocateRequest struct {
	Channel      string  `json:"channel"`
	VetID        *uint64 `json:"vet_id"`
	ShopID       *uint64 `json:"shop_id"`
	ActingUserID *uint64 `json:"acting_user_id"`
}

func (a *TagsAPI) allocateTag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "tagID")
	if err != nil {
		writeError(w, err)
		return
	}
	var req allocateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := a.tags.Allocate(r.Context(), id, tags.AllocateInput{
		Channel:      models.Channel(req.Channel),
		VetID:        req.VetID,
		ShopID:       req.ShopID,
		ActingUserID: req.ActingUserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTagView(t))
}

type activateRequest struct {
	ActingUserID *uint64 `json:"acting_user_id"`
	PetID        *uint64 `json:"pet_id"`
}

func (a *TagsAPI) activateTag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "tagID")
	if err != nil {
		writeError(w, err)
		return
	}
	var req activateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.allowActivation(r, req.ActingUserID); err != nil {
		writeError(w, err)
		return
	}
	t, err := a.tags.Activate(r.Context(), tags.ActivateInput{
		TagID:        id,
		ActingUserID: req.ActingUserID,
		PetID:        req.PetID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTagView(t))
}

type actorRequest struct {
	ActingUserID *uint64 `json:"acting_user_id"`
}

func (a *TagsAPI) renewTag(w http.ResponseWriter, r *http.Request) {
	a.actorTransition(w, r, a.tags.Renew)
}

func (a *TagsAPI) deactivateTag(w http.ResponseWriter, r *http.Request) {
	a.actorTransition(w, r, a.tags.Deactivate)
}

func (a *TagsAPI) actorTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, uint64, *uint64) (*models.Tag, error)) {
	id, err := pathID(r, "tagID")
	if err != nil {
		writeError(w, err)
		return
	}
	var req actorRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := fn(r.Context(), id, req.ActingUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTagView(t))
}

type sweepRequest struct {
	Now *time.Time `json:"now"`
}

func (a *TagsAPI) sweepExpired(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	if req.Now != nil {
		now = req.Now.UTC()
	}
	n, err := a.tags.SweepExpired(r.Context(), now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deactivated": n})
}

func (a *TagsAPI) getCounters(w http.ResponseWriter, r *http.Request) {
	var kind models.PartnerKind
	switch chi.URLParam(r, "kind") {
	case "vets":
		kind = models.PartnerVet
	case "shops":
		kind = models.PartnerShop
	default:
		writeError(w, errors.Wrap(errBadRequest, "partner kind must be vets or shops"))
		return
	}
	id, err := pathID(r, "partnerID")
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := a.tags.GetAllocationCounters(r.Context(), models.PartnerRef{Kind: kind, ID: id})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countersView{
		PartnerKind: string(c.Partner.Kind),
		PartnerID:   c.Partner.ID,
		Allocated:   c.Allocated,
		Sold:        c.Sold,
	})
}

func (a *TagsAPI) listCredits(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "accountID")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := a.tags.ListCredits(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]creditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, creditView{
			ID:        e.ID,
			AccountID: e.AccountID,
			Amount:    e.Amount,
			Reason:    e.Reason,
			TagID:     e.TagID,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"credits": out})
}

func (a *TagsAPI) assignAdvisor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "ownerID")
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := a.advisors.AssignAdvisor(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	v := assignmentView{OwnerID: res.OwnerID, VetID: res.VetID, Score: res.Score, AssignedAt: res.AssignedAt}
	if res.Reason != nil {
		v.Reason = string(*res.Reason)
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *TagsAPI) getCapacity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "vetID")
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := a.capacity.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// allowActivation fails open when the limiter itself is unavailable.
func (a *TagsAPI) allowActivation(r *http.Request, actingUserID *uint64) error {
	if a.limiter == nil || a.activateLimit <= 0 {
		return nil
	}
	subject := "activate:ip:" + clientIP(r)
	if actingUserID != nil {
		subject = "activate:user:" + strconv.FormatUint(*actingUserID, 10)
	}
	ok, n, err := a.limiter.Allow(r.Context(), subject, a.activateLimit, time.Minute)
	if err != nil {
		slog.Warn("activation rate limiter unavailable", "subject", subject, "error", err.Error())
		return nil
	}
	if !ok {
		slog.Info("activation rate limited", "subject", subject, "count", n)
		return errRateLimited
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func pathID(r *http.Request, name string) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Wrapf(errBadRequest, "invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.Wrapf(errBadRequest, "invalid %s", name)
	}
	return v, nil
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.Wrap(errBadRequest, "empty body")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errBadRequest, "invalid json body")
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errors.Wrap(errBadRequest, "invalid json body")
}
