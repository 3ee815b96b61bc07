package command

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"wattgate/internal/models"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type HTTP struct {
	disp *Dispatcher
	repo *Repo
}

func NewHTTP(d *Dispatcher, r *Repo) *HTTP { return &HTTP{disp: d, repo: r} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/appliances/{id}/relay", h.setRelay).Methods(http.MethodPut)
	api.HandleFunc("/appliances/{id}/schedule", h.setSchedule).Methods(http.MethodPost)
	api.HandleFunc("/appliances/{id}/schedule", h.cancelSchedule).Methods(http.MethodDelete)

	api.HandleFunc("/commands/poll/{deviceId}", h.poll).Methods(http.MethodGet)
	api.HandleFunc("/commands", h.list).Methods(http.MethodGet)
}

func applianceID(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return uint(id), err == nil && id > 0
}

// PUT /api/appliances/{id}/relay  {"state": true}
func (h *HTTP) setRelay(w http.ResponseWriter, r *http.Request) {
	id, ok := applianceID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad id", "appliance id must be a positive integer", nil)
		return
	}
	var in struct {
		State *bool `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.State == nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad body", "expected {\"state\": bool}", nil)
		return
	}

	delivered, err := h.disp.IssueImmediate(id, *in.State)
	if err != nil {
		if errors.Is(err, ErrNoDevice) || errors.Is(err, gorm.ErrRecordNotFound) {
			models.WriteProblem(w, http.StatusNotFound, "Not found", err.Error(), nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Issue failed", err.Error(), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"delivered": delivered})
}

// POST /api/appliances/{id}/schedule  {"onTime": "...", "offTime": "..."} (RFC3339)
func (h *HTTP) setSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := applianceID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad id", "appliance id must be a positive integer", nil)
		return
	}
	var in struct {
		OnTime  string `json:"onTime"`
		OffTime string `json:"offTime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	on, err := time.Parse(time.RFC3339, in.OnTime)
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad schedule", "onTime must be RFC3339", map[string]string{"field": "onTime"})
		return
	}
	off, err := time.Parse(time.RFC3339, in.OffTime)
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad schedule", "offTime must be RFC3339", map[string]string{"field": "offTime"})
		return
	}

	if err := h.disp.Schedule(id, on, off); err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			models.WriteProblem(w, http.StatusBadRequest, "Bad schedule", verr.Error(), map[string]string{"field": verr.Field})
		case errors.Is(err, gorm.ErrRecordNotFound):
			models.WriteProblem(w, http.StatusNotFound, "Not found", "appliance not found", nil)
		default:
			models.WriteProblem(w, http.StatusInternalServerError, "Schedule failed", err.Error(), nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"scheduled": true, "onTime": on, "offTime": off})
}

// DELETE /api/appliances/{id}/schedule
func (h *HTTP) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := applianceID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad id", "appliance id must be a positive integer", nil)
		return
	}
	if err := h.disp.CancelSchedule(id); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Cancel failed", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/commands/poll/{deviceId} — poll pickup for channel-less devices.
// Replies {} when nothing is pending.
func (h *HTTP) poll(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	cmd, err := h.disp.PollPending(deviceID)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Poll failed", err.Error(), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if cmd == nil {
		_, _ = w.Write([]byte("{}\n"))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"relay": cmd.Relay, "state": cmd.State})
}

// GET /api/commands?deviceId=&limit= — audit listing, expired included.
func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cmds, err := h.repo.List(r.URL.Query().Get("deviceId"), limit)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Query failed", err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cmds)
}
