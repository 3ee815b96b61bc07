package fleet

import (
	"errors"
	"fmt"

	"wattgate/internal/models"

	"gorm.io/gorm"
)

// ErrRelayReserved rejects manual appliances on built-in relay indices.
var ErrRelayReserved = fmt.Errorf("relay indices 1..%d are reserved for built-in sockets", models.ReservedRelayMax)

// ErrRelayTaken rejects a second live appliance on the same relay.
var ErrRelayTaken = errors.New("relay already bound to a live appliance")

type Repo struct{ db *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) ListAppliances() ([]models.Appliance, error) {
	var out []models.Appliance
	err := r.db.Order("relay ASC").Find(&out).Error
	return out, err
}

func (r *Repo) GetAppliance(id uint) (*models.Appliance, error) {
	var ap models.Appliance
	if err := r.db.First(&ap, id).Error; err != nil {
		return nil, err
	}
	return &ap, nil
}

// CreateAppliance adds a manually-managed appliance outside the reserved
// relay range.
func (r *Repo) CreateAppliance(name string, relay int) (*models.Appliance, error) {
	if relay <= models.ReservedRelayMax {
		return nil, ErrRelayReserved
	}
	var n int64
	if err := r.db.Model(&models.Appliance{}).Where("relay = ?", relay).Count(&n).Error; err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrRelayTaken
	}
	ap := models.Appliance{Name: name, Relay: relay, Status: "unknown", ManuallyAdded: true}
	if err := r.db.Create(&ap).Error; err != nil {
		return nil, err
	}
	return &ap, nil
}

func (r *Repo) RenameAppliance(id uint, name string) (*models.Appliance, error) {
	ap, err := r.GetAppliance(id)
	if err != nil {
		return nil, err
	}
	ap.Name = name
	return ap, r.db.Save(ap).Error
}

// DeleteAppliance soft-deletes; ingestion restores the row if the relay
// reports again.
func (r *Repo) DeleteAppliance(id uint) error {
	tx := r.db.Delete(&models.Appliance{}, id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repo) ListDevices() ([]models.Device, error) {
	var out []models.Device
	err := r.db.Order("device_id ASC").Find(&out).Error
	return out, err
}

// EnsureReservedAppliances seeds the built-in sockets. Soft-deleted rows are
// left alone here; only telemetry contact restores them.
func (r *Repo) EnsureReservedAppliances() error {
	for relay := 1; relay <= models.ReservedRelayMax; relay++ {
		var n int64
		if err := r.db.Unscoped().Model(&models.Appliance{}).Where("relay = ?", relay).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		ap := models.Appliance{Name: models.ReservedRelayNames[relay], Relay: relay, Status: "unknown"}
		if err := r.db.Create(&ap).Error; err != nil {
			return err
		}
	}
	return nil
}
