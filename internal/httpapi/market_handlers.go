package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"psychat.org/internal/audit"
	"psychat.org/internal/auth"
	"psychat.org/internal/market"
	"psychat.org/internal/obs"
)

type mintCredentialRequest struct {
	Ciphertext []byte `json:"ciphertext"` // base64 in JSON
	Proof      []byte `json:"proof"`      // base64 in JSON
	Category   uint8  `json:"category"`
}

type appendCredentialRequest struct {
	Locator string `json:"locator"`
	Tag     string `json:"tag"`
}

type openListingRequest struct {
	Price       uint64 `json:"price"`
	Currency    uint8  `json:"currency"`
	Description string `json:"description"`
}

type placeBidRequest struct {
	Amount uint64 `json:"amount"`
}

type deriveDatasetRequest struct {
	Locator  string `json:"locator"`
	Category string `json:"category"`
}

type recordCompoundRequest struct {
	Amount uint64 `json:"amount"`
	Pool   string `json:"pool"`
}

type claimDistributionRequest struct {
	Proof    []byte `json:"proof"`
	Category string `json:"category"`
}

type listEventsResponse struct {
	Items     []market.Event `json:"items"`
	NextAfter uint64         `json:"next_after"`
	AsOf      time.Time      `json:"as_of"`
}

func (a *API) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.principal(w, r)
	if !ok {
		return
	}

	var req mintCredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	cred, err := a.market.MintCredential(r.Context(), user, req.Ciphertext, req.Proof, req.Category)
	obs.ObserveTransition("mint_credential", err)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	a.auditEvent(r, "market.credential.mint", cred.ID, map[string]any{
		"category": int(req.Category),
	})
	w.Header().Set("Location", "/v1/credentials/"+cred.ID)
	writeJSON(w, http.StatusCreated, cred)
}

func (a *API) handleCredentialHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.principal(w, r)
	if !ok {
		return
	}

	var req appendCredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Locator) == "" {
		writeError(w, r, http.StatusBadRequest, "locator is required")
		return
	}
	if len(req.Locator) > 256 || len(req.Tag) > 64 {
		writeError(w, r, http.StatusBadRequest, "locator or tag too long")
		return
	}

	cred, err := a.market.AppendCredential(r.Context(), user, req.Locator, req.Tag)
	obs.ObserveTransition("append_credential", err)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	a.auditEvent(r, "market.credential.append", cred.ID, map[string]any{
		"locator": req.Locator,
		"tag":     req.Tag,
	})
	writeJSON(w, http.StatusOK, cred)
}

func (a *API) handleListings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.principal(w, r)
	if !ok {
		return
	}

	var req openListingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Description) > 256 {
		writeError(w, r, http.StatusBadRequest, "description too long")
		return
	}

	// The listing always targets the caller's own credential slot.
	credentialID := market.CredentialAddress(user)
	listing, err := a.market.OpenListing(r.Context(), user, credentialID, req.Price, market.Currency(req.Currency), req.Description)
	obs.ObserveTransition("open_listing", err)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	a.auditEvent(r, "market.listing.open", listing.ID, map[string]any{
		"credential": credentialID,
		"price":      req.Price,
		"currency":   int(req.Currency),
	})
	w.Header().Set("Location", "/v1/listings/"+listing.ID)
	writeJSON(w, http.StatusCreated, listing)
}

func (a *API) handleListingResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/listings/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/bids"); ok && !strings.Contains(id, "/") {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.placeBid(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(path, "/close"); ok && !strings.Contains(id, "/") {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.closeListing(w, r, id)
		return
	}
	writeError(w, r, http.StatusNotFound, "resource not found")
}

func (a *API) placeBid(w http.ResponseWriter, r *http.Request, listingID string) {
	user, ok := a.principal(w, r)
	if !ok {
		return
	}

	var req placeBidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	bid, err := a.market.PlaceBid(r.Context(), user, listingID, req.Amount)
	obs.ObserveTransition("place_bid", err)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	a.auditEvent(r, "market.bid.place", bid.ID, map[string]any{
		"listing": listingID,
		"amount":  req.Amount,
	})
	writeJSON(w, http.StatusCreated, bid)
}

func (a *API) closeListing(w http.ResponseWriter, r *http.Request, listingID string) {
	user, ok := a.principal(w, r)
	if !ok {
		return
	}
	err := a.market.CloseListing(r.Context(), user, listingID)
	obs.ObserveTransition("close_listing", err)
	handleMarketError(w, r, err)
}

func (a *API) handleBidResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/bids/")
	id, ok := strings.CutSuffix(path, "/accept")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, okPrincipal := a.principal(w, r)
	if !okPrincipal {
		return
	}
	err := a.market.AcceptBid(r.Context(), user, id)
	obs.ObserveTransition("accept_bid", err)
	handleMarketError(w, r, err)
}

func (a *API) handleDatasets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.principal(w, r)
	if !ok {
		return
	}

	var req deriveDatasetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Locator) == "" {
		writeError(w, r, http.StatusBadRequest, "locator is required")
		return
	}
	if len(req.Locator) > 256 || len(req.Category) > 64 {
		writeError(w, r, http.StatusBadRequest, "locator or category too long")
		return
	}

	credentialID := market.CredentialAddress(user)
	ds, err := a.market.DeriveDataset(r.Context(), user, credentialID, req.Locator, req.Category)
	obs.ObserveTransition("derive_dataset", err)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	a.auditEvent(r, "market.dataset.derive", ds.ID, map[string]any{
		"credential": credentialID,
		"category":   req.Category,
	})
	w.Header().Set("Location", "/v1/datasets/"+ds.ID)
	writeJSON(w, http.StatusCreated, ds)
}

func (a *API) handleCompounds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.principal(w, r)
	if !ok {
		return
	}

	var req recordCompoundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Pool) == "" {
		writeError(w, r, http.StatusBadRequest, "pool is required")
		return
	}

	rec, err := a.market.RecordCompound(r.Context(), user, req.Amount, req.Pool)
	obs.ObserveTransition("record_compound", err)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	a.auditEvent(r, "market.compound.record", rec.ID, map[string]any{
		"pool":   req.Pool,
		"amount": req.Amount,
	})
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleClaimDistribution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.principal(w, r)
	if !ok {
		return
	}

	var req claimDistributionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err := a.market.ClaimDistribution(r.Context(), user, req.Proof, req.Category)
	obs.ObserveTransition("claim_distribution", err)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "market.distribution.claim", map[string]any{
		"category": req.Category,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (a *API) handleStakeDistribution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.principal(w, r)
	if !ok {
		return
	}

	err := a.market.StakeDistribution(r.Context(), user)
	obs.ObserveTransition("stake_distribution", err)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "market.distribution.stake", nil)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.market.ListEvents(r.Context(), limit, after)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listEventsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

// principal resolves the authenticated caller; every transition acts on
// behalf of this identity, never one named in the request body.
func (a *API) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return user, true
}

func (a *API) auditEvent(r *http.Request, event, recordID string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["record"] = recordID
	_ = audit.LogEvent(r.Context(), event, fields)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleMarketError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case errors.Is(err, market.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, market.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, market.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrAlreadyExists),
		errors.Is(err, market.ErrAlreadyListed),
		errors.Is(err, market.ErrListingInactive):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, market.ErrInvalidProof),
		errors.Is(err, market.ErrBidTooLow):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, market.ErrNotSpecified):
		writeError(w, r, http.StatusNotImplemented, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
