package models

import (
	"time"

	"github.com/lib/pq"
)

// Contact is read-only here; CRUD lives in the dashboard.
type Contact struct {
	ID        string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OwnerID   string `gorm:"column:owner_id;type:uuid;index" json:"owner_id"`
	FirstName string `gorm:"column:first_name;type:text" json:"first_name"`
	LastName  string `gorm:"column:last_name;type:text" json:"last_name"`
	Phone     string `gorm:"column:phone_number;type:text" json:"phone_number"`

	City  string `gorm:"column:city;type:text" json:"city"`
	State string `gorm:"column:state;type:text" json:"state"`
	Zip   string `gorm:"column:zip_code;type:text" json:"zip_code"`

	Specialty string         `gorm:"column:specialty;type:text" json:"specialty"`
	Interests pq.StringArray `gorm:"column:interests;type:text[]" json:"interests"`
	Tags      pq.StringArray `gorm:"column:tags;type:text[]" json:"tags"`

	ValueTier            string  `gorm:"column:value_tier;type:text" json:"value_tier"` // high|standard|low
	ConversionLikelihood float64 `gorm:"column:conversion_likelihood" json:"conversion_likelihood"`

	CallCount       int        `gorm:"column:call_count" json:"call_count"`
	LastContactedAt *time.Time `gorm:"column:last_contacted_at;type:timestamptz" json:"last_contacted_at,omitempty"`
}

func (Contact) TableName() string { return "contacts" }

func (c Contact) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	default:
		return c.FirstName + " " + c.LastName
	}
}
