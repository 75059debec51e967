package db

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/omnichat/omnichat/internal/audit"
	"github.com/omnichat/omnichat/internal/auth"
	"github.com/omnichat/omnichat/internal/chat"
	"github.com/omnichat/omnichat/internal/logging"
	"github.com/omnichat/omnichat/internal/models"
	"github.com/omnichat/omnichat/internal/quota"
)

// Connect opens the MySQL connection pool and runs schema migration.
func Connect(dsn string) *gorm.DB {
	log := logging.GetLogger()

	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("db pool setup failed")
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate failed")
	}
	return gdb
}

// Migrate creates or updates all application tables.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.Invite{},
		&auth.Session{},
		&chat.Conversation{},
		&chat.Message{},
		&quota.UserQuota{},
		&quota.UsageCounter{},
		&audit.Event{},
	)
}
