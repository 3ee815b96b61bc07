package telemetry

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"wattgate/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct {
	svc  *Service
	repo *Repo
}

func NewHTTP(svc *Service, repo *Repo) *HTTP { return &HTTP{svc: svc, repo: repo} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/sensor-data", h.postBatch).Methods(http.MethodPost)
	api.HandleFunc("/sensor-data", h.listReadings).Methods(http.MethodGet)
	api.HandleFunc("/sensor-data/latest", h.latest).Methods(http.MethodGet)

	// legacy plain-text frames from older firmware
	api.HandleFunc("/esp-data", h.postText).Methods(http.MethodPost)
}

// POST /api/sensor-data
func (h *HTTP) postBatch(w http.ResponseWriter, r *http.Request) {
	var b Batch
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if b.Address == "" {
		b.Address = r.RemoteAddr
	}

	accepted, err := h.svc.Ingest(b)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			models.WriteProblem(w, http.StatusBadRequest, "Invalid batch", verr.Error(), map[string]string{"field": verr.Field})
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Ingestion failed", err.Error(), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int{"accepted": accepted})
}

// POST /api/esp-data?device=SmartBoard_01
func (h *HTTP) postText(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device")
	if deviceID == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid frame", "device query parameter required", nil)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad body", err.Error(), nil)
		return
	}

	samples, _ := ParseESPFrame(string(raw))
	if len(samples) == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid frame", "no relay lines found", nil)
		return
	}

	accepted, err := h.svc.Ingest(Batch{DeviceID: deviceID, Address: r.RemoteAddr, Relays: samples})
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Ingestion failed", err.Error(), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int{"accepted": accepted})
}

// GET /api/sensor-data?applianceId=&startDate=&endDate=&page=&limit=
func (h *HTTP) listReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f ReadingFilter
	if v := q.Get("applianceId"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			models.WriteProblem(w, http.StatusBadRequest, "Bad filter", "applianceId must be an integer", nil)
			return
		}
		f.ApplianceID = uint(id)
	}
	for name, dst := range map[string]**time.Time{"startDate": &f.Start, "endDate": &f.End} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				models.WriteProblem(w, http.StatusBadRequest, "Bad filter", name+" must be RFC3339", nil)
				return
			}
			*dst = &t
		}
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	rows, total, err := h.repo.ListReadings(f)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Query failed", err.Error(), nil)
		return
	}

	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 50
	}
	totalPages := int(math.Ceil(float64(total) / float64(f.Limit)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": rows,
		"pagination": map[string]any{
			"currentPage":  f.Page,
			"totalPages":   totalPages,
			"totalRecords": total,
			"hasNextPage":  f.Page < totalPages,
			"hasPrevPage":  f.Page > 1,
		},
	})
}

// GET /api/sensor-data/latest
func (h *HTTP) latest(w http.ResponseWriter, _ *http.Request) {
	rows, err := h.repo.LatestByAppliance()
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Query failed", err.Error(), nil)
		return
	}

	type item struct {
		ApplianceID   uint                  `json:"applianceId"`
		Name          string                `json:"name"`
		Relay         int                   `json:"relay"`
		Status        string                `json:"status"`
		LatestReading *models.SensorReading `json:"latestReading"`
	}
	out := make([]item, 0, len(rows))
	for _, row := range rows {
		out = append(out, item{
			ApplianceID:   row.Appliance.ID,
			Name:          row.Appliance.Name,
			Relay:         row.Appliance.Relay,
			Status:        row.Appliance.Status,
			LatestReading: row.Latest,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
