package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ScanFilter narrows a population scan with store-side predicates. Attribute
// matching beyond these happens in process.
type ScanFilter struct {
	Roles                 []Role
	RequireConfirmedEmail bool
	RequireConfirmedPhone bool
}

// Page is one window of a population scan.
type Page struct {
	Subscribers   []Subscriber
	NextPageToken string
	HasMore       bool
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscriber) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscriber, error)
	FindByEmail(ctx context.Context, db *gorm.DB, email string) (*Subscriber, error)
	FindByCustomerRef(ctx context.Context, db *gorm.DB, ref string) (*Subscriber, error)
	Save(ctx context.Context, db *gorm.DB, sub *Subscriber) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error

	// AcquireLease sets the lock fields only if the row is unlocked or the
	// previous lease expired. Compare-and-swap; returns false on a live
	// foreign lease.
	AcquireLease(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string, now, until time.Time) (bool, error)
	// ReleaseLease clears the lock fields only when owner still holds them.
	ReleaseLease(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string) error

	// ScanPage streams the population in cursor order without loading the
	// full aggregate graph at once.
	ScanPage(ctx context.Context, db *gorm.DB, filter ScanFilter, pageToken string, pageSize int) (Page, error)

	// CountVehicleKeyInterest counts subscribers other than exclude that
	// already track the given vehicle key.
	CountVehicleKeyInterest(ctx context.Context, db *gorm.DB, key string, exclude snowflake.ID) (int64, error)
}
