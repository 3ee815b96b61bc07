package db

import (
	"fmt"

	"gorm.io/gorm"
)

// MigrateLegacyColumns fixes column names left behind by earlier deployments:
// devices.ip -> devices.address, and the sensor_readings.device column that
// predates the device_id FK. Safe to run repeatedly.
func MigrateLegacyColumns(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	if db.Migrator().HasTable("devices") {
		hasOld := db.Migrator().HasColumn("devices", "ip")
		hasNew := db.Migrator().HasColumn("devices", "address")
		if hasOld && !hasNew {
			if err := db.Migrator().RenameColumn("devices", "ip", "address"); err != nil {
				var e error
				switch dialect {
				case "mysql":
					e = db.Exec("ALTER TABLE `devices` CHANGE COLUMN `ip` `address` varchar(64)").Error
				case "postgres":
					e = db.Exec(`ALTER TABLE "devices" RENAME COLUMN "ip" TO "address"`).Error
				case "sqlite":
					e = db.Exec(`ALTER TABLE devices RENAME COLUMN ip TO address`).Error
				default:
					e = err
				}
				if e != nil {
					return fmt.Errorf("rename devices.ip -> address: %w", e)
				}
			}
		}
	}

	if db.Migrator().HasTable("sensor_readings") {
		hasOld := db.Migrator().HasColumn("sensor_readings", "device")
		hasNew := db.Migrator().HasColumn("sensor_readings", "device_id")
		if hasOld && !hasNew {
			if err := db.Migrator().RenameColumn("sensor_readings", "device", "device_id"); err != nil {
				var e error
				switch dialect {
				case "mysql":
					e = db.Exec("ALTER TABLE `sensor_readings` CHANGE COLUMN `device` `device_id` varchar(64)").Error
				case "postgres":
					e = db.Exec(`ALTER TABLE "sensor_readings" RENAME COLUMN "device" TO "device_id"`).Error
				case "sqlite":
					e = db.Exec(`ALTER TABLE sensor_readings RENAME COLUMN device TO device_id`).Error
				default:
					e = err
				}
				if e != nil {
					return fmt.Errorf("rename sensor_readings.device -> device_id: %w", e)
				}
			}
		}
	}

	return nil
}

// MigrateApplianceRelayIndex replaces the plain relay index with a partial
// unique one so soft-deleted rows do not block re-provisioning. The index is
// a backstop against out-of-process writers; the telemetry repo serializes
// its own find-or-create, which is what holds the invariant on MySQL.
func MigrateApplianceRelayIndex(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	switch db.Dialector.Name() {
	case "postgres":
		_ = db.Exec(`DROP INDEX IF EXISTS idx_appliances_relay`).Error
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_appliances_relay_live ON "appliances" ("relay") WHERE "deleted_at" IS NULL`).Error
	case "sqlite":
		_ = db.Exec(`DROP INDEX IF EXISTS idx_appliances_relay`).Error
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_appliances_relay_live ON appliances (relay) WHERE deleted_at IS NULL`).Error
	case "mysql":
		// MySQL cannot express "unique among rows where deleted_at IS NULL"
		// (a unique index over (relay, deleted_at) admits any number of live
		// rows, since NULLs never collide). Keep the plain relay index from
		// AutoMigrate and clean up the misguided index earlier versions
		// created.
		if hasMySQLIndex(db, "appliances", "ux_appliances_relay_del") {
			_ = db.Exec("DROP INDEX `ux_appliances_relay_del` ON `appliances`").Error
		}
		return nil
	default:
		return fmt.Errorf("unsupported dialect: %s", db.Dialector.Name())
	}
}

func hasMySQLIndex(db *gorm.DB, table, index string) bool {
	var n int64
	err := db.Raw(
		"SELECT COUNT(*) FROM information_schema.statistics WHERE table_schema = DATABASE() AND table_name = ? AND index_name = ?",
		table, index,
	).Scan(&n).Error
	return err == nil && n > 0
}
