package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/dryerlink-core/internal/device"
	"github.com/nerrad567/dryerlink-core/internal/pairing"
	"github.com/nerrad567/dryerlink-core/internal/session"
)

// PairRequest is the body of POST /pairing.
type PairRequest struct {
	DeviceID string `json:"device_id"`
	Code     string `json:"code"`
}

// PairResponse reports a pairing outcome. Device is set only on success.
type PairResponse struct {
	Outcome string       `json:"outcome"`
	Message string       `json:"message"`
	Device  *device.Info `json:"device,omitempty"`
}

// outcomeStatus maps pairing outcomes to HTTP status codes.
var outcomeStatus = map[pairing.Outcome]int{
	pairing.OutcomePaired:              http.StatusOK,
	pairing.OutcomeCodeNotFound:        http.StatusNotFound,
	pairing.OutcomeDeviceNotFound:      http.StatusNotFound,
	pairing.OutcomeCodeAlreadyUsed:     http.StatusConflict,
	pairing.OutcomeDeviceAlreadyPaired: http.StatusConflict,
	pairing.OutcomeCodeExpired:         http.StatusGone,
	pairing.OutcomeCodeDeviceMismatch:  http.StatusUnprocessableEntity,
}

// handlePair pairs a device to the caller.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	userID, err := session.UserID(r.Context())
	if err != nil {
		writeUnauthorized(w, err.Error())
		return
	}

	var req PairRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.Code == "" {
		writeBadRequest(w, "device_id and code are required")
		return
	}

	res, err := s.pairing.Pair(r.Context(), userID, req.DeviceID, req.Code)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	status, ok := outcomeStatus[res.Outcome]
	if !ok {
		status = http.StatusInternalServerError
	}
	resp := PairResponse{Outcome: res.Outcome.String(), Message: res.Outcome.Message()}
	if res.Outcome.OK() {
		info := res.Info
		resp.Device = &info
	}
	writeJSON(w, status, resp)
}

// handleUnpair releases a device owned by the caller and drops it from the
// local cache.
func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) {
	userID, err := session.UserID(r.Context())
	if err != nil {
		writeUnauthorized(w, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.pairing.Unpair(r.Context(), userID, id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.cache.DeleteDevice(r.Context(), id); err != nil {
		// The remote side is already released; the cache entry goes stale
		// until the next retention pass.
		s.logger.Warn("dropping unpaired device from cache", "device_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
