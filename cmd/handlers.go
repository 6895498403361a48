package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/enrich"
	"github.com/imobcrm/geodedup/internal/merge"
	"github.com/imobcrm/geodedup/internal/model"
	"github.com/imobcrm/geodedup/internal/normalize"
	"github.com/imobcrm/geodedup/internal/store"
	"github.com/imobcrm/geodedup/internal/validate"
)

const serviceVersion = "1.0.0"

// autoApproveConfidence is the floor for listing a group as safe to merge
// unattended, stricter than the general THRESHOLD_LLM gate.
const autoApproveConfidence = 0.90

var serverStart = time.Now()

// newRouter builds the operator API. Paths follow the stable Portuguese
// contract the frontend depends on.
func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	h := &handlers{env: env}

	r.Get("/health", h.health)

	r.Route("/grupos", func(r chi.Router) {
		r.Get("/", h.listGroups)
		r.Get("/auto-aprovaveis", h.autoApprovable)
		r.Post("/revalidar-llm", h.revalidate)
		r.Post("/aprovar-sugestoes-batch", h.approveBatch)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getGroup)
			r.Get("/impacto", h.groupImpact)
			r.Put("/unificar", h.unify)
			r.Put("/reverter", h.revert)
			r.Put("/descartar", h.discard)
			r.Put("/aprovar-sugestao", h.approveSuggestion)
		})
	})

	r.Route("/scan", func(r chi.Router) {
		r.Post("/", h.scan)
		r.Post("/sync", h.scanSync)
		r.Post("/enriquecer", h.enrichPending)
		r.Get("/historico", h.runHistory)
	})

	r.Route("/stats", func(r chi.Router) {
		r.Get("/", h.stats)
		r.Get("/ranking-cidades", h.cityRanking)
		r.Get("/cidades", h.cityBreakdown)
	})

	r.Route("/relatorio", func(r chi.Router) {
		r.Get("/resumo", h.reportSummary)
		r.Get("/por-empresa", h.reportByOperator)
		r.Get("/grupos-executados", h.reportExecuted)
		r.Get("/grupo/{id}/detalhes", h.reportGroupDetails)
	})

	return r
}

type handlers struct {
	env *appEnv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto the {error} body contract.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, merge.ErrPrecondition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "geodedup",
		"version":        serviceVersion,
		"uptime_seconds": int(time.Since(serverStart).Seconds()),
	})
}

func (h *handlers) listGroups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// normalized_name is accent-folded, so the search term must be too.
	filter := store.GroupFilter{
		ParentID: q.Get("parentId"),
		Search:   normalize.Fold(q.Get("busca")),
		Status:   model.StatusPending,
	}
	if tipo := q.Get("tipo"); tipo != "" {
		kind, err := model.ParseKind(tipo)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		filter.Kind = kind
	}
	if st := q.Get("status"); st != "" {
		status, err := model.ParseStatus(st)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		filter.Status = status
	}
	filter.Page, _ = strconv.Atoi(q.Get("pagina"))
	filter.PageSize, _ = strconv.Atoi(q.Get("tamanhoPagina"))

	groups, total, err := h.env.store.ListGroups(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := h.groupListItems(r.Context(), groups)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"groups": items,
		"total":  total,
	})
}

// groupListItem decorates a listed group with its resolved parent name and the
// first member's hierarchy, so the listing renders without per-group round
// trips.
type groupListItem struct {
	model.DuplicateGroup
	ParentName    string               `json:"parent_name,omitempty"`
	MemberContext *model.MemberContext `json:"member_context,omitempty"`
}

func (h *handlers) groupListItems(ctx context.Context, groups []model.DuplicateGroup) ([]groupListItem, error) {
	ids := make([]string, 0, len(groups))
	parentIDs := make(map[model.EntityKind][]string)
	for _, g := range groups {
		ids = append(ids, g.ID)
		if g.ParentID != nil && *g.ParentID != "" {
			parentIDs[g.EntityKind] = append(parentIDs[g.EntityKind], *g.ParentID)
		}
	}

	parentNames := make(map[model.EntityKind]map[string]string, len(parentIDs))
	for kind, pids := range parentIDs {
		names, err := h.env.store.ParentNames(ctx, kind, pids)
		if err != nil {
			return nil, err
		}
		parentNames[kind] = names
	}

	contexts, err := h.env.store.GroupMemberContexts(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]groupListItem, len(groups))
	for i, g := range groups {
		items[i] = groupListItem{DuplicateGroup: g}
		if g.ParentID != nil {
			items[i].ParentName = parentNames[g.EntityKind][*g.ParentID]
		}
		if len(g.MemberIDs) == 0 {
			continue
		}
		for _, mc := range contexts[g.ID] {
			if mc.MemberID == g.MemberIDs[0] {
				c := mc
				items[i].MemberContext = &c
				break
			}
		}
	}
	return items, nil
}

func (h *handlers) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.env.store.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	impacts, err := h.env.impact.Analyze(r.Context(), g)
	if err != nil {
		writeError(w, err)
		return
	}
	contexts, err := h.env.store.MemberContexts(r.Context(), g.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"group":    g,
		"impact":   impacts,
		"contexts": contexts,
	})
}

func (h *handlers) groupImpact(w http.ResponseWriter, r *http.Request) {
	g, err := h.env.store.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	impacts, err := h.env.impact.Analyze(r.Context(), g)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, impacts)
}

func (h *handlers) autoApprovable(w http.ResponseWriter, r *http.Request) {
	// THRESHOLD_LLM can tighten the floor but never relax it below 0.90.
	floor := autoApproveConfidence
	if cfg.LLMThreshold > floor {
		floor = cfg.LLMThreshold
	}

	var ids []string
	for _, kind := range model.AllKinds() {
		groups, err := h.env.store.AutoApprovable(r.Context(), kind, floor)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, g := range groups {
			ids = append(ids, g.ID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_ids": ids})
}

// revalidate re-runs the LLM over pending groups that never got a verdict.
func (h *handlers) revalidate(w http.ResponseWriter, r *http.Request) {
	if h.env.validator == nil {
		badRequest(w, "llm validation is not configured")
		return
	}

	groups, err := h.env.store.PendingWithoutLLM(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if len(groups) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"revalidated": 0, "discarded": 0})
		return
	}

	inputs := make([]validate.GroupInput, len(groups))
	for i, g := range groups {
		inputs[i] = validate.GroupInput{
			Key:         g.ID,
			Kind:        g.EntityKind,
			MemberIDs:   g.MemberIDs,
			MemberNames: g.MemberNames,
		}
		// Feed the stored hierarchy back into the prompt; the rubric's
		// geography-dependent rules need it.
		contexts, err := h.env.store.MemberContexts(r.Context(), g.ID)
		if err != nil {
			zap.L().Warn("member contexts unavailable for revalidation",
				zap.String("group", g.ID), zap.Error(err))
			continue
		}
		inputs[i].State, inputs[i].City, inputs[i].Neighborhood, inputs[i].Street =
			enrich.ContextSummary(contexts)
	}

	outcomes, err := h.env.validator.ValidateAll(r.Context(), inputs)
	if err != nil && len(outcomes) == 0 {
		writeError(w, err)
		return
	}

	revalidated, discarded := 0, 0
	for i := range groups {
		g := &groups[i]
		out, ok := outcomes[g.ID]
		if !ok {
			continue
		}
		if err := h.env.store.SetLLMDetails(r.Context(), g.ID, out.Raw); err != nil {
			writeError(w, err)
			return
		}
		revalidated++

		if !out.Decision.Confirmed {
			if err := h.env.store.Discard(r.Context(), g.ID); err != nil {
				writeError(w, err)
				return
			}
			discarded++
			continue
		}
		_, changed := trimMembers(g, out)
		if name := out.Decision.CanonicalName; name != "" {
			if folded := normalize.FoldForKind(name, g.EntityKind); folded != g.NormalizedName {
				g.NormalizedName = folded
				changed = true
			}
		}
		if changed {
			if err := h.env.store.UpdateMembers(r.Context(), g.ID,
				g.MemberIDs, g.MemberNames, g.NormalizedName); err != nil {
				writeError(w, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"revalidated": revalidated, "discarded": discarded})
}

type unifyRequest struct {
	CanonicalID     string          `json:"registroCanonico"`
	FinalName       string          `json:"nomeCanonicoFinal"`
	ExecutedBy      string          `json:"executadoPor"`
	DecisionContext json.RawMessage `json:"decisaoContexto"`
}

func (h *handlers) unify(w http.ResponseWriter, r *http.Request) {
	var req unifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.CanonicalID == "" {
		badRequest(w, "registroCanonico is required")
		return
	}

	res, err := h.env.merger.Execute(r.Context(), merge.Request{
		GroupID:           chi.URLParam(r, "id"),
		ChosenCanonicalID: req.CanonicalID,
		ChosenName:        req.FinalName,
		ExecutedBy:        req.ExecutedBy,
		DecisionContext:   req.DecisionContext,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) revert(w http.ResponseWriter, r *http.Request) {
	res, err := h.env.reverser.Revert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) discard(w http.ResponseWriter, r *http.Request) {
	if err := h.env.store.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

func (h *handlers) approveSuggestion(w http.ResponseWriter, r *http.Request) {
	res, err := h.approveOne(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) approveOne(r *http.Request, groupID string) (*merge.Result, error) {
	g, err := h.env.store.GetGroup(r.Context(), groupID)
	if err != nil {
		return nil, err
	}
	if g.SuggestedCanonicalID == nil || g.CanonicalName == nil {
		return nil, merge.ErrPrecondition
	}
	return h.env.merger.Execute(r.Context(), merge.Request{
		GroupID:           g.ID,
		ChosenCanonicalID: *g.SuggestedCanonicalID,
		ChosenName:        *g.CanonicalName,
		ExecutedBy:        "auto-approval",
	})
}

func (h *handlers) approveBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupIDs []string `json:"grupoIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	type itemResult struct {
		GroupID string `json:"group_id"`
		OK      bool   `json:"ok"`
		Error   string `json:"error,omitempty"`
	}
	results := make([]itemResult, 0, len(req.GroupIDs))
	for _, id := range req.GroupIDs {
		item := itemResult{GroupID: id, OK: true}
		if _, err := h.approveOne(r, id); err != nil {
			item.OK = false
			item.Error = err.Error()
		}
		results = append(results, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *handlers) scan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tipo string `json:"tipo"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	kinds := model.AllKinds()
	if req.Tipo != "" {
		kind, err := model.ParseKind(req.Tipo)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		kinds = []model.EntityKind{kind}
	}

	results, err := h.env.runner.Run(r.Context(), kinds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": results})
}

func (h *handlers) scanSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tipo     string `json:"tipo"`
		ParentID string `json:"parentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	kind, err := model.ParseKind(req.Tipo)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	candidates, err := h.env.runner.ScanSync(r.Context(), kind, req.ParentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

func (h *handlers) enrichPending(w http.ResponseWriter, r *http.Request) {
	if h.env.enricher == nil {
		badRequest(w, "enrichment is disabled")
		return
	}

	total := 0
	for _, kind := range model.AllKinds() {
		n, err := h.env.enricher.EnrichPending(r.Context(), kind, 0)
		total += n
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"enriched": total})
}

func (h *handlers) runHistory(w http.ResponseWriter, r *http.Request) {
	runs, err := h.env.store.RecentRuns(r.Context(), 20)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	overview, err := h.env.store.Overview(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": overview})
}

func (h *handlers) cityRanking(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limite"))
	ranking, err := h.env.store.RankCities(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ranking": ranking})
}

func (h *handlers) cityBreakdown(w http.ResponseWriter, r *http.Request) {
	breakdown, err := h.env.store.CityBreakdown(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cities": breakdown})
}

func (h *handlers) reportSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.env.store.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) reportByOperator(w http.ResponseWriter, r *http.Request) {
	counts, err := h.env.store.ByOperator(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operators": counts})
}

func (h *handlers) reportExecuted(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("pagina"))
	size, _ := strconv.Atoi(q.Get("tamanhoPagina"))

	groups, total, err := h.env.store.ExecutedGroups(r.Context(), page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups, "total": total})
}

func (h *handlers) reportGroupDetails(w http.ResponseWriter, r *http.Request) {
	g, err := h.env.store.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.env.store.MergeLogEntries(r.Context(), g.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": g, "merge_log": entries})
}

// trimMembers applies a strict-subset verdict to a persisted group.
func trimMembers(g *model.DuplicateGroup, out validate.Outcome) (*model.DuplicateGroup, bool) {
	d := out.Decision
	if len(d.ValidMemberIDs) < 2 || len(d.ValidMemberIDs) >= len(g.MemberIDs) {
		return g, false
	}
	valid := make(map[string]bool, len(d.ValidMemberIDs))
	for _, id := range d.ValidMemberIDs {
		valid[id] = true
	}
	var ids, names []string
	for i, id := range g.MemberIDs {
		if valid[id] {
			ids = append(ids, id)
			names = append(names, g.MemberNames[i])
		}
	}
	if len(ids) < 2 {
		return g, false
	}
	g.MemberIDs, g.MemberNames = ids, names
	return g, true
}
