package sinks

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// InventoryRow is the MySQL-backed inventory record, one row per node.
type InventoryRow struct {
	NodeID    string    `gorm:"primaryKey;size:191" json:"nodeId"`
	Group     string    `gorm:"column:node_group;size:191" json:"group"`
	PlaneID   string    `gorm:"size:64" json:"planeId"`
	Address   string    `json:"address"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (InventoryRow) TableName() string { return "backplane_inventory" }

// MySQLSink mirrors enrollments into a shared MySQL inventory table.
type MySQLSink struct {
	db      *gorm.DB
	planeID string
}

// NewMySQLSink connects using env configuration and runs migrations.
// Env: MYSQL_DSN or MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASS, MYSQL_DB.
func NewMySQLSink(planeID string) (*MySQLSink, error) {
	_ = loadDotEnv()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		host := getenv("MYSQL_HOST", "127.0.0.1")
		port := getenv("MYSQL_PORT", "3306")
		user := getenv("MYSQL_USER", "root")
		pass := getenv("MYSQL_PASS", "")
		dbname := getenv("MYSQL_DB", "backplane")
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local", user, pass, host, port, dbname)
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&InventoryRow{}); err != nil {
		return nil, err
	}
	return &MySQLSink{db: db, planeID: planeID}, nil
}

func (s *MySQLSink) Notify(e Entry) error {
	if e.PlaneID != s.planeID {
		return nil
	}
	row := InventoryRow{
		NodeID:  e.NodeID,
		Group:   e.Group,
		PlaneID: e.PlaneID,
		Address: e.Address.String(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func loadDotEnv() error {
	for _, p := range []string{".env", "/etc/backplane/.env"} {
		if _, err := os.Stat(p); err == nil {
			return godotenv.Load(p)
		}
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
