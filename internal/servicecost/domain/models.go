// Package domain contains persistence models for service cost configuration.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// WildcardScene matches any scene when no exact cost row is configured.
const WildcardScene = "*"

// ServiceCost prices one billable service type, optionally narrowed to a scene.
// DollarCost applies to DOLLAR pools, UnitCost to UNIT pools.
type ServiceCost struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	ServiceType string          `gorm:"type:text;not null;uniqueIndex:ux_service_costs_type_scene,priority:1" json:"service_type"`
	Scene       string          `gorm:"type:text;not null;default:'*';uniqueIndex:ux_service_costs_type_scene,priority:2" json:"scene"`
	DollarCost  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"dollar_cost"`
	UnitCost    decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"unit_cost"`
	Active      bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ServiceCost) TableName() string { return "service_costs" }
