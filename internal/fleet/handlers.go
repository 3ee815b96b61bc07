package fleet

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wattgate/internal/models"
	"wattgate/internal/threshold"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// ConnectivityProbe reports live-channel state for the device listing.
type ConnectivityProbe interface {
	Connected(deviceID string) bool
}

type HTTP struct {
	repo   *Repo
	probe  ConnectivityProbe
	limits *threshold.Monitor
}

func NewHTTP(repo *Repo, probe ConnectivityProbe, limits *threshold.Monitor) *HTTP {
	return &HTTP{repo: repo, probe: probe, limits: limits}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/appliances", h.listAppliances).Methods(http.MethodGet)
	api.HandleFunc("/appliances", h.createAppliance).Methods(http.MethodPost)
	api.HandleFunc("/appliances/{id}", h.getAppliance).Methods(http.MethodGet)
	api.HandleFunc("/appliances/{id}", h.renameAppliance).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/appliances/{id}", h.deleteAppliance).Methods(http.MethodDelete)

	api.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)

	api.HandleFunc("/threshold", h.getThreshold).Methods(http.MethodGet)
	api.HandleFunc("/threshold", h.setThreshold).Methods(http.MethodPut)
}

func (h *HTTP) listAppliances(w http.ResponseWriter, _ *http.Request) {
	aps, err := h.repo.ListAppliances()
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Query failed", err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": aps, "count": len(aps)})
}

func (h *HTTP) getAppliance(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	ap, err := h.repo.GetAppliance(uint(id))
	if err != nil {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "appliance not found", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ap)
}

func (h *HTTP) createAppliance(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name  string `json:"name"`
		Relay int    `json:"relay"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" || in.Relay < 1 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad appliance", "name and a positive relay are required", nil)
		return
	}

	ap, err := h.repo.CreateAppliance(in.Name, in.Relay)
	if err != nil {
		if errors.Is(err, ErrRelayReserved) || errors.Is(err, ErrRelayTaken) {
			models.WriteProblem(w, http.StatusConflict, "Relay unavailable", err.Error(), nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ap)
}

func (h *HTTP) renameAppliance(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || strings.TrimSpace(in.Name) == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad body", "expected {\"name\": string}", nil)
		return
	}
	ap, err := h.repo.RenameAppliance(uint(id), strings.TrimSpace(in.Name))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			models.WriteProblem(w, http.StatusNotFound, "Not found", "appliance not found", nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Update failed", err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ap)
}

func (h *HTTP) deleteAppliance(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err := h.repo.DeleteAppliance(uint(id)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			models.WriteProblem(w, http.StatusNotFound, "Not found", "appliance not found", nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Delete failed", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) listDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := h.repo.ListDevices()
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Query failed", err.Error(), nil)
		return
	}

	type deviceView struct {
		DeviceID  string     `json:"deviceId"`
		Address   string     `json:"address,omitempty"`
		LastSeen  *time.Time `json:"lastSeen"`
		Connected bool       `json:"connected"`
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		connected := false
		if h.probe != nil {
			connected = h.probe.Connected(d.DeviceID)
		}
		out = append(out, deviceView{
			DeviceID:  d.DeviceID,
			Address:   d.Address,
			LastSeen:  d.LastSeen,
			Connected: connected,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": out, "count": len(out)})
}

func (h *HTTP) getThreshold(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]float64{"limitWatts": h.limits.Limit()})
}

func (h *HTTP) setThreshold(w http.ResponseWriter, r *http.Request) {
	var in struct {
		LimitWatts float64 `json:"limitWatts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.LimitWatts <= 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad threshold", "limitWatts must be a positive number", nil)
		return
	}
	h.limits.SetLimit(in.LimitWatts)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]float64{"limitWatts": h.limits.Limit()})
}
