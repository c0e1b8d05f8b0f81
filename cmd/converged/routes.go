package main

import (
	"encoding/json"
	"io"
	"net/http"

	gometrics "github.com/docker/go-metrics"
	"github.com/gorilla/mux"

	"github.com/converge/converge/api"
	"github.com/converge/converge/api/errcode"
	"github.com/converge/converge/configuration"
	"github.com/converge/converge/internal/gategraph"
	"github.com/converge/converge/internal/gc"
	"github.com/converge/converge/internal/identity"
	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/promotion"
	"github.com/converge/converge/internal/publication"
	"github.com/converge/converge/internal/release"
	"github.com/converge/converge/internal/repostate"
	"github.com/converge/converge/internal/superposition"
)

// Route names, grounded on routes.go's named gorilla/mux route
// convention, generalized from the teacher's fixed v2 manifest/blob/tag
// surface to the §6 capability table.
const (
	routeNameBase               = "base"
	routeNameRepos              = "repos"
	routeNameScopes             = "scopes"
	routeNameValidateGateGraph  = "validate-gate-graph"
	routeNameGateGraph          = "gate-graph"
	routeNameObject             = "object"
	routeNameMissingObjects     = "missing-objects"
	routeNamePublications       = "publications"
	routeNameBundles            = "bundles"
	routeNameBundle             = "bundle"
	routeNameBundleApprove      = "bundle-approve"
	routeNamePromotions         = "promotions"
	routeNameReleases           = "releases"
	routeNameLatestRelease      = "latest-release"
	routeNameVariants           = "variants"
	routeNameResolutionValidate = "resolution-validate"
	routeNameResolutionApply    = "resolution-apply"
	routeNameGC                 = "gc"
)

const (
	identifierPattern = "[a-z][a-z0-9-]*"
	objectIDPattern   = "[0-9a-f]{64}"
	kindPattern       = "blobs|recipes|manifests|snaps"
)

// server holds the dependencies every handler closes over, the analogue
// of app.go's App — a shared object every request is dispatched through.
type server struct {
	svc      api.Service
	repos    *repostate.Store
	identity *identity.Store
	secret   string
}

// newRouter builds the gorilla/mux router exposing the §6 capability
// table plus a metrics endpoint, grounded on routes.go's v2APIRouter.
func newRouter(svc api.Service, repos *repostate.Store, idStore *identity.Store, config *configuration.Configuration) *mux.Router {
	s := &server{svc: svc, repos: repos, identity: idStore, secret: config.HTTP.Secret}
	router := mux.NewRouter().StrictSlash(true)

	router.Path("/v1/").Methods(http.MethodGet).Name(routeNameBase).HandlerFunc(s.healthCheck)
	router.Path("/metrics").Methods(http.MethodGet).Name("metrics").Handler(gometrics.Handler())

	router.Path("/v1/repos").Methods(http.MethodPost).Name(routeNameRepos).
		Handler(s.auth(s.createRepo))
	router.Path("/v1/gategraph/validate").Methods(http.MethodPost).Name(routeNameValidateGateGraph).
		Handler(s.auth(s.validateGateGraph))

	repoPath := "/v1/repos/{repo:" + identifierPattern + "}"

	router.Path(repoPath + "/scopes").Methods(http.MethodPost).Name(routeNameScopes).
		Handler(s.auth(s.declareScope))
	router.Path(repoPath + "/gategraph").Methods(http.MethodPut).Name(routeNameGateGraph).
		Handler(s.auth(s.putGateGraph))

	objectPath := repoPath + "/objects/{kind:" + kindPattern + "}/{id:" + objectIDPattern + "}"
	router.Path(objectPath).Methods(http.MethodPut).Name(routeNameObject + "-put").
		Handler(s.auth(s.putObject))
	router.Path(objectPath).Methods(http.MethodGet).Name(routeNameObject + "-get").
		Handler(s.auth(s.getObject))

	router.Path(repoPath + "/missing-objects").Methods(http.MethodPost).Name(routeNameMissingObjects).
		Handler(s.auth(s.missingObjects))

	router.Path(repoPath + "/publications").Methods(http.MethodPost).Name(routeNamePublications + "-create").
		Handler(s.auth(s.createPublication))
	router.Path(repoPath + "/publications").Methods(http.MethodGet).Name(routeNamePublications + "-list").
		Handler(s.auth(s.listPublications))

	router.Path(repoPath + "/bundles").Methods(http.MethodPost).Name(routeNameBundles + "-create").
		Handler(s.auth(s.createBundle))
	router.Path(repoPath + "/bundles").Methods(http.MethodGet).Name(routeNameBundles + "-list").
		Handler(s.auth(s.listBundles))
	router.Path(repoPath + "/bundles/{bundle:" + identifierPattern + "}").Methods(http.MethodGet).Name(routeNameBundle).
		Handler(s.auth(s.getBundle))
	router.Path(repoPath + "/bundles/{bundle:" + identifierPattern + "}/approve").Methods(http.MethodPost).Name(routeNameBundleApprove).
		Handler(s.auth(s.approveBundle))

	router.Path(repoPath + "/promotions").Methods(http.MethodPost).Name(routeNamePromotions + "-create").
		Handler(s.auth(s.createPromotion))
	router.Path(repoPath + "/promotions").Methods(http.MethodGet).Name(routeNamePromotions + "-list").
		Handler(s.auth(s.listPromotions))

	router.Path(repoPath + "/releases").Methods(http.MethodPost).Name(routeNameReleases + "-create").
		Handler(s.auth(s.createRelease))
	router.Path(repoPath + "/releases").Methods(http.MethodGet).Name(routeNameReleases + "-list").
		Handler(s.auth(s.listReleases))
	router.Path(repoPath + "/releases/latest").Methods(http.MethodGet).Name(routeNameLatestRelease).
		Handler(s.auth(s.getLatestRelease))

	router.Path(repoPath + "/superposition/variants").Methods(http.MethodGet).Name(routeNameVariants).
		Handler(s.auth(s.enumerateVariants))
	router.Path(repoPath + "/superposition/validate").Methods(http.MethodPost).Name(routeNameResolutionValidate).
		Handler(s.auth(s.validateResolution))
	router.Path(repoPath + "/superposition/apply").Methods(http.MethodPost).Name(routeNameResolutionApply).
		Handler(s.auth(s.applyResolution))

	router.Path(repoPath + "/gc").Methods(http.MethodPost).Name(routeNameGC).
		Handler(s.auth(s.runGC))

	return router
}

func (s *server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) createRepo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID    string         `json:"id"`
		Owner model.Identity `json:"owner"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.svc.CreateRepo(r.Context(), body.ID, body.Owner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": body.ID, "owner": body.Owner})
}

// declareScope is a small administrative addition beyond the §6
// capability table: create_publication's precondition that "scope exists
// in repo" has to be satisfiable by something reachable over HTTP, and
// the spec leaves scope declaration's transport shape unspecified.
func (s *server) declareScope(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope string `json:"scope"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	repoID := mux.Vars(r)["repo"]
	repo, err := s.repos.Open(repoID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := repo.DeclareScope(body.Scope); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"scope": body.Scope})
}

func (s *server) validateGateGraph(w http.ResponseWriter, r *http.Request) {
	var graph model.GateGraph
	if !decodeJSON(w, r, &graph) {
		return
	}
	issues := s.svc.ValidateGateGraph(r.Context(), graph)
	writeJSON(w, http.StatusOK, struct {
		OK     bool              `json:"ok"`
		Issues []gategraph.Issue `json:"issues,omitempty"`
	}{OK: len(issues) == 0, Issues: issues})
}

func (s *server) putGateGraph(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	var graph model.GateGraph
	if !decodeJSON(w, r, &graph) {
		return
	}
	if err := s.svc.PutGateGraph(r.Context(), repoID, graph); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (s *server) putObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errcode.New(errcode.BadRequest, "read body: %s", err))
		return
	}
	opts := api.PutOptions{AllowMissingBlobs: r.URL.Query().Get("allow_missing_blobs") == "true"}
	err = s.svc.PutObject(r.Context(), vars["repo"], model.Kind(vars["kind"]), model.ObjectID(vars["id"]), body, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": vars["id"]})
}

func (s *server) getObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := s.svc.GetObject(r.Context(), vars["repo"], model.Kind(vars["kind"]), model.ObjectID(vars["id"]))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *server) missingObjects(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	var req api.MissingObjectsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.svc.MissingObjects(r.Context(), repoID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) createPublication(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	var req publication.CreatePublicationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pub, err := s.svc.CreatePublication(r.Context(), repoID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pub)
}

func (s *server) listPublications(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	pubs, err := s.svc.ListPublications(r.Context(), repoID, r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pubs)
}

func (s *server) createBundle(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	var req publication.CreateBundleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	bundle, err := s.svc.CreateBundle(r.Context(), repoID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bundle)
}

func (s *server) listBundles(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	bundles, err := s.svc.ListBundles(r.Context(), repoID, r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundles)
}

func (s *server) getBundle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bundle, err := s.svc.GetBundle(r.Context(), vars["repo"], vars["bundle"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *server) approveBundle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	approver := identityFromContext(r.Context())
	bundle, err := s.svc.ApproveBundle(r.Context(), vars["repo"], vars["bundle"], approver)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *server) createPromotion(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	var req promotion.CreatePromotionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	promo, err := s.svc.CreatePromotion(r.Context(), repoID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, promo)
}

func (s *server) listPromotions(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	promotions, err := s.svc.ListPromotions(r.Context(), repoID, r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, promotions)
}

func (s *server) createRelease(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	var req release.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rel, err := s.svc.CreateRelease(r.Context(), repoID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *server) listReleases(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	releases, err := s.svc.ListReleases(r.Context(), repoID, r.URL.Query().Get("channel"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, releases)
}

func (s *server) getLatestRelease(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	rel, err := s.svc.GetLatestRelease(r.Context(), repoID, r.URL.Query().Get("channel"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *server) enumerateVariants(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	root := model.ObjectID(r.URL.Query().Get("root"))
	variants, err := s.svc.EnumerateVariants(r.Context(), repoID, root)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, variants)
}

type resolutionRequest struct {
	Root      model.ObjectID            `json:"root"`
	Decisions map[string]superposition.Decision `json:"decisions"`
}

func (s *server) validateResolution(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	var req resolutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	report, err := s.svc.ValidateResolution(r.Context(), repoID, req.Root, req.Decisions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) applyResolution(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	var req resolutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resolved, err := s.svc.ApplyResolution(r.Context(), repoID, req.Root, req.Decisions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.ObjectID{"root_manifest": resolved})
}

func (s *server) runGC(w http.ResponseWriter, r *http.Request) {
	repoID := mux.Vars(r)["repo"]
	var opts gc.Options
	if !decodeJSON(w, r, &opts) {
		return
	}
	report, err := s.svc.GC(r.Context(), repoID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		writeError(w, errcode.New(errcode.BadRequest, "missing request body"))
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errcode.New(errcode.BadRequest, "decode request body: %s", err))
		return false
	}
	return true
}

type errorEnvelope struct {
	Error  string `json:"error"`
	Issues []any  `json:"issues,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	if ce, ok := err.(*errcode.Error); ok {
		writeJSON(w, ce.HTTPStatus(), errorEnvelope{Error: ce.Error(), Issues: ce.Issues})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
