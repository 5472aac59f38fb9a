package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/dryerlink-core/internal/cache"
	"github.com/nerrad567/dryerlink-core/internal/device"
)

// CommandRequest is the body of POST /devices/{id}/commands.
type CommandRequest struct {
	Action device.Action `json:"action"`
	Value  float64       `json:"value,omitempty"`
}

// RenameRequest is the body of PATCH /devices/{id}.
type RenameRequest struct {
	Name string `json:"name"`
}

// FavoriteRequest is the body of PUT /devices/{id}/favorite.
type FavoriteRequest struct {
	Favorite bool `json:"favorite"`
}

// handleListDevices returns every cached device, favourites first.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.cache.ListDevices(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if devices == nil {
		devices = []cache.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns the cached summary of one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cache.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleSetFavorite sets the local favourite flag.
func (s *Server) handleSetFavorite(w http.ResponseWriter, r *http.Request) {
	var req FavoriteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.cache.SetFavorite(r.Context(), id, req.Favorite); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "is_favorite": req.Favorite})
}

// handleListReadings returns cached readings.
//
// With from and to (RFC 3339 or epoch milliseconds) the readings in that
// window are returned oldest first; otherwise the newest limit readings
// are returned newest first.
func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	var (
		readings []cache.CachedReading
		err      error
	)
	if q.Has("from") || q.Has("to") {
		from, ferr := parseTime(q.Get("from"))
		to, terr := parseTime(q.Get("to"))
		if ferr != nil || terr != nil {
			writeBadRequest(w, "from and to must both be RFC 3339 times or epoch milliseconds")
			return
		}
		readings, err = s.cache.ListReadingsInRange(r.Context(), id, from, to)
	} else {
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 0 {
				writeBadRequest(w, "limit must be a non-negative integer")
				return
			}
		}
		readings, err = s.cache.ListReadings(r.Context(), id, limit)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if readings == nil {
		readings = []cache.CachedReading{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"readings":  readings,
		"count":     len(readings),
	})
}

// handleSendCommand writes a command for the device to pick up.
// The response only confirms that the remote store accepted it.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.commands.SendCommand(r.Context(), id, req.Action, req.Value); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id": id,
		"action":    req.Action,
		"status":    "sent",
	})
}

// handleRenameDevice sets the device display name.
func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.commands.RenameDevice(r.Context(), id, req.Name); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "name": req.Name})
}

// decodeBody decodes a JSON request body into v. On failure it writes the
// error response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return false
		}
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// parseTime accepts RFC 3339 or epoch milliseconds.
func parseTime(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}
