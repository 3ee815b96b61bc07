package fleet

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"wattgate/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Device{}, &models.Appliance{}, &models.SensorReading{}, &models.Command{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestEnsureReservedAppliances(t *testing.T) {
	repo := NewRepo(newTestDB(t))

	if err := repo.EnsureReservedAppliances(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	aps, err := repo.ListAppliances()
	if err != nil {
		t.Fatal(err)
	}
	if len(aps) != models.ReservedRelayMax {
		t.Fatalf("seeded = %d, want %d", len(aps), models.ReservedRelayMax)
	}
	if aps[0].Name != "Socket A" || aps[3].Name != "Socket D" {
		t.Errorf("reserved names: %q .. %q", aps[0].Name, aps[3].Name)
	}

	// idempotent
	if err := repo.EnsureReservedAppliances(); err != nil {
		t.Fatal(err)
	}
	aps, _ = repo.ListAppliances()
	if len(aps) != models.ReservedRelayMax {
		t.Errorf("re-seed duplicated rows: %d", len(aps))
	}
}

func TestEnsureReservedLeavesSoftDeleted(t *testing.T) {
	repo := NewRepo(newTestDB(t))
	if err := repo.EnsureReservedAppliances(); err != nil {
		t.Fatal(err)
	}
	aps, _ := repo.ListAppliances()
	if err := repo.DeleteAppliance(aps[0].ID); err != nil {
		t.Fatal(err)
	}

	// seeding must not resurrect a deliberately removed socket
	if err := repo.EnsureReservedAppliances(); err != nil {
		t.Fatal(err)
	}
	live, _ := repo.ListAppliances()
	if len(live) != models.ReservedRelayMax-1 {
		t.Errorf("live appliances = %d, want %d", len(live), models.ReservedRelayMax-1)
	}
}

func TestCreateApplianceRejectsReservedRelay(t *testing.T) {
	repo := NewRepo(newTestDB(t))

	for _, relay := range []int{1, models.ReservedRelayMax} {
		if _, err := repo.CreateAppliance("Heater", relay); !errors.Is(err, ErrRelayReserved) {
			t.Errorf("relay %d: err = %v, want ErrRelayReserved", relay, err)
		}
	}
}

func TestCreateApplianceRejectsTakenRelay(t *testing.T) {
	repo := NewRepo(newTestDB(t))

	if _, err := repo.CreateAppliance("Heater", 5); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := repo.CreateAppliance("Kettle", 5); !errors.Is(err, ErrRelayTaken) {
		t.Errorf("err = %v, want ErrRelayTaken", err)
	}
}

func TestCreateApplianceAfterDelete(t *testing.T) {
	repo := NewRepo(newTestDB(t))

	ap, err := repo.CreateAppliance("Heater", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !ap.ManuallyAdded {
		t.Error("manual appliance not flagged")
	}
	if err := repo.DeleteAppliance(ap.ID); err != nil {
		t.Fatal(err)
	}

	// the relay is free again once its occupant is gone
	if _, err := repo.CreateAppliance("Kettle", 5); err != nil {
		t.Errorf("create on freed relay: %v", err)
	}
}

func TestRenameAppliance(t *testing.T) {
	repo := NewRepo(newTestDB(t))

	ap, err := repo.CreateAppliance("Heater", 5)
	if err != nil {
		t.Fatal(err)
	}
	got, err := repo.RenameAppliance(ap.ID, "Space Heater")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got.Name != "Space Heater" {
		t.Errorf("name = %q", got.Name)
	}

	if _, err := repo.RenameAppliance(999, "x"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("rename missing: %v", err)
	}
}

func TestDeleteApplianceMissing(t *testing.T) {
	repo := NewRepo(newTestDB(t))
	if err := repo.DeleteAppliance(999); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}
