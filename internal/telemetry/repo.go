package telemetry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"wattgate/internal/models"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB

	provisionMu sync.Mutex // serializes appliance find-or-create
	deviceMu    sync.Mutex // serializes device first-contact upserts
}

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

func relayName(relay int) string {
	if name, ok := models.ReservedRelayNames[relay]; ok {
		return name
	}
	return fmt.Sprintf("Relay %d", relay)
}

// FindOrCreateByRelay resolves the appliance bound to a relay, looking
// through soft-deleted rows. A soft-deleted appliance is restored instead of
// duplicated, and a reserved relay's display name is healed back to the
// canonical one. Concurrent auto-provisions are serialized in-process: this
// server is the single authority over the store, and MySQL cannot express
// "unique among live rows", so the partial unique index (where available) is
// a backstop, not the primary defense.
func (r *Repo) FindOrCreateByRelay(relay int) (*models.Appliance, error) {
	r.provisionMu.Lock()
	defer r.provisionMu.Unlock()

	ap, err := r.findOrCreateOnce(relay)
	if err == nil {
		return ap, nil
	}
	// Unique-index violations come back driver-specific; one retry resolves
	// a conflict with any out-of-process writer.
	return r.findOrCreateOnce(relay)
}

func (r *Repo) findOrCreateOnce(relay int) (*models.Appliance, error) {
	var ap models.Appliance
	tx := r.db.Unscoped().Where("relay = ?", relay).Order("id ASC").First(&ap)
	if tx.Error != nil {
		if !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil, tx.Error
		}
		ap = models.Appliance{Name: relayName(relay), Relay: relay, Status: "unknown"}
		if err := r.db.Create(&ap).Error; err != nil {
			return nil, err
		}
		return &ap, nil
	}

	updates := map[string]any{}
	if ap.DeletedAt.Valid {
		updates["deleted_at"] = nil
		ap.DeletedAt = gorm.DeletedAt{}
	}
	if canonical, ok := models.ReservedRelayNames[relay]; ok && ap.Name != canonical {
		updates["name"] = canonical
		ap.Name = canonical
	}
	if len(updates) > 0 {
		if err := r.db.Unscoped().Model(&models.Appliance{}).Where("id = ?", ap.ID).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return &ap, nil
}

// SetApplianceState mirrors the last reported relay state onto the appliance.
func (r *Repo) SetApplianceState(id uint, on bool) error {
	status := "off"
	if on {
		status = "on"
	}
	return r.db.Model(&models.Appliance{}).Where("id = ?", id).Update("status", status).Error
}

func (r *Repo) InsertReading(reading *models.SensorReading) error {
	return r.db.Create(reading).Error
}

// UpsertDevice provisions the device on first contact and refreshes
// last_seen/address afterwards. Devices are never soft-deleted. Two batches
// racing on first contact are serialized, with one retry to absorb a
// primary-key conflict from an out-of-process writer.
func (r *Repo) UpsertDevice(deviceID, address string, seen time.Time) error {
	r.deviceMu.Lock()
	defer r.deviceMu.Unlock()

	if err := r.upsertDeviceOnce(deviceID, address, seen); err == nil {
		return nil
	}
	return r.upsertDeviceOnce(deviceID, address, seen)
}

func (r *Repo) upsertDeviceOnce(deviceID, address string, seen time.Time) error {
	var d models.Device
	tx := r.db.Where("device_id = ?", deviceID).First(&d)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			d = models.Device{DeviceID: deviceID, Address: address, LastSeen: &seen}
			return r.db.Create(&d).Error
		}
		return tx.Error
	}
	updates := map[string]any{"last_seen": seen}
	if address != "" {
		updates["address"] = address
	}
	return r.db.Model(&models.Device{}).Where("device_id = ?", deviceID).Updates(updates).Error
}

// ReadingFilter narrows the history listing.
type ReadingFilter struct {
	ApplianceID uint
	Start, End  *time.Time
	Page, Limit int
}

// ListReadings returns one page, newest first, plus the total row count.
func (r *Repo) ListReadings(f ReadingFilter) ([]models.SensorReading, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 50
	}

	q := r.db.Model(&models.SensorReading{})
	if f.ApplianceID != 0 {
		q = q.Where("appliance_id = ?", f.ApplianceID)
	}
	if f.Start != nil {
		q = q.Where("timestamp >= ?", *f.Start)
	}
	if f.End != nil {
		q = q.Where("timestamp <= ?", *f.End)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.SensorReading
	err := q.Order("timestamp DESC, id DESC").
		Limit(f.Limit).
		Offset((f.Page - 1) * f.Limit).
		Find(&rows).Error
	return rows, total, err
}

// LatestRow is one appliance joined with its most recent reading, if any.
type LatestRow struct {
	Appliance models.Appliance
	Latest    *models.SensorReading
}

// LatestByAppliance returns every live appliance with its newest reading,
// relay ascending.
func (r *Repo) LatestByAppliance() ([]LatestRow, error) {
	var appliances []models.Appliance
	if err := r.db.Order("relay ASC").Find(&appliances).Error; err != nil {
		return nil, err
	}

	out := make([]LatestRow, 0, len(appliances))
	for _, ap := range appliances {
		var reading models.SensorReading
		err := r.db.Where("appliance_id = ?", ap.ID).
			Order("timestamp DESC, id DESC").
			First(&reading).Error
		row := LatestRow{Appliance: ap}
		if err == nil {
			row.Latest = &reading
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}
