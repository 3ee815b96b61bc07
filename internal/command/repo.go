package command

import (
	"errors"
	"time"

	"wattgate/internal/models"

	"gorm.io/gorm"
)

type Repo struct{ db *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Create(cmd *models.Command) error { return r.db.Create(cmd).Error }

func (r *Repo) MarkDelivered(id uint) error {
	return r.db.Model(&models.Command{}).Where("id = ?", id).
		Updates(map[string]any{"delivered": true, "executed": true}).Error
}

// TakePending returns the oldest non-expired undelivered command for the
// device and marks it delivered in the same transaction, or nil when the
// queue is empty. At most one command per poll.
func (r *Repo) TakePending(deviceID string, now time.Time) (*models.Command, error) {
	var cmd models.Command
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ? AND delivered = ? AND expires_at > ?", deviceID, false, now).
			Order("created_at ASC, id ASC").
			First(&cmd).Error; err != nil {
			return err
		}
		return tx.Model(&cmd).Updates(map[string]any{"delivered": true, "executed": true}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// List returns recent commands for audit, expired ones included.
func (r *Repo) List(deviceID string, limit int) ([]models.Command, error) {
	if limit < 1 {
		limit = 50
	}
	q := r.db.Order("created_at DESC, id DESC").Limit(limit)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var out []models.Command
	err := q.Find(&out).Error
	return out, err
}

func (r *Repo) GetAppliance(id uint) (*models.Appliance, error) {
	var ap models.Appliance
	if err := r.db.First(&ap, id).Error; err != nil {
		return nil, err
	}
	return &ap, nil
}

// LatestDeviceFor resolves the device most recently associated with the
// appliance, from its newest sensor reading.
func (r *Repo) LatestDeviceFor(applianceID uint) (string, error) {
	var reading models.SensorReading
	err := r.db.Where("appliance_id = ? AND device_id <> ''", applianceID).
		Order("timestamp DESC, id DESC").
		First(&reading).Error
	if err != nil {
		return "", err
	}
	return reading.DeviceID, nil
}

func (r *Repo) SetSchedule(applianceID uint, on, off time.Time) error {
	return r.db.Model(&models.Appliance{}).Where("id = ?", applianceID).
		Updates(map[string]any{"scheduled": true, "schedule_on": on, "schedule_off": off}).Error
}

func (r *Repo) ClearSchedule(applianceID uint) error {
	return r.db.Model(&models.Appliance{}).Where("id = ?", applianceID).
		Updates(map[string]any{"scheduled": false, "schedule_on": nil, "schedule_off": nil}).Error
}

// ListScheduled returns appliances with an armed schedule still in front of
// now, for re-arming after a restart.
func (r *Repo) ListScheduled(now time.Time) ([]models.Appliance, error) {
	var out []models.Appliance
	err := r.db.Where("scheduled = ? AND schedule_off > ?", true, now).Find(&out).Error
	return out, err
}
