package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"github.com/safetyline/recallhub/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriberdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *subscriberdomain.Subscriber) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sub).Error; err != nil {
			return err
		}
		return r.syncVehicleInterests(ctx, tx, sub)
	})
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriberdomain.Subscriber, error) {
	var sub subscriberdomain.Subscriber
	err := db.WithContext(ctx).
		Preload("Entitlements").
		First(&sub, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) FindByEmail(ctx context.Context, db *gorm.DB, email string) (*subscriberdomain.Subscriber, error) {
	var sub subscriberdomain.Subscriber
	err := db.WithContext(ctx).
		Preload("Entitlements").
		First(&sub, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) FindByCustomerRef(ctx context.Context, db *gorm.DB, ref string) (*subscriberdomain.Subscriber, error) {
	if ref == "" {
		return nil, nil
	}
	var sub subscriberdomain.Subscriber
	err := db.WithContext(ctx).
		Preload("Entitlements").
		First(&sub, "customer_ref = ?", ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, sub *subscriberdomain.Subscriber) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{FullSaveAssociations: true}).Save(sub).Error; err != nil {
			return err
		}
		return r.syncVehicleInterests(ctx, tx, sub)
	})
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subscriber_id = ?", id).Delete(&subscriberdomain.VehicleInterest{}).Error; err != nil {
			return err
		}
		if err := tx.Where("subscriber_id = ?", id).Delete(&subscriberdomain.Entitlement{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&subscriberdomain.Subscriber{}).Error
	})
}

func (r *repo) AcquireLease(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string, now, until time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&subscriberdomain.Subscriber{}).
		Where("id = ? AND (lock_owner IS NULL OR lock_owner = '' OR lock_expires_at IS NULL OR lock_expires_at < ?)", id, now).
		Updates(map[string]any{
			"lock_owner":      owner,
			"lock_expires_at": until,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ReleaseLease(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string) error {
	return db.WithContext(ctx).
		Model(&subscriberdomain.Subscriber{}).
		Where("id = ? AND lock_owner = ?", id, owner).
		Updates(map[string]any{
			"lock_owner":      "",
			"lock_expires_at": nil,
		}).Error
}

func (r *repo) ScanPage(ctx context.Context, db *gorm.DB, filter subscriberdomain.ScanFilter, pageToken string, pageSize int) (subscriberdomain.Page, error) {
	stmt := db.WithContext(ctx).
		Model(&subscriberdomain.Subscriber{}).
		Preload("Entitlements").
		Order("id ASC").
		Limit(pageSize + 1)

	if pageToken != "" {
		cursor, err := pagination.DecodeCursor(pageToken)
		if err != nil {
			return subscriberdomain.Page{}, err
		}
		afterID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return subscriberdomain.Page{}, err
		}
		stmt = stmt.Where("id > ?", afterID)
	}

	if len(filter.Roles) > 0 {
		stmt = stmt.Where("role IN ?", filter.Roles)
	}
	if filter.RequireConfirmedEmail {
		stmt = stmt.Where("pref_email_confirmed = ?", true)
	}
	if filter.RequireConfirmedPhone {
		stmt = stmt.Where("pref_phone_confirmed = ?", true)
	}

	var rows []subscriberdomain.Subscriber
	if err := stmt.Find(&rows).Error; err != nil {
		return subscriberdomain.Page{}, err
	}

	page := subscriberdomain.Page{Subscribers: rows}
	if len(rows) > pageSize {
		page.Subscribers = rows[:pageSize]
		page.HasMore = true
		last := page.Subscribers[len(page.Subscribers)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: strconv.FormatInt(int64(last.ID), 10)})
		if err != nil {
			return subscriberdomain.Page{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func (r *repo) CountVehicleKeyInterest(ctx context.Context, db *gorm.DB, key string, exclude snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&subscriberdomain.VehicleInterest{}).
		Where("vehicle_key = ? AND subscriber_id <> ?", key, exclude).
		Distinct("subscriber_id").
		Count(&count).Error
	return count, err
}

// syncVehicleInterests rebuilds the flattened slot projection for one
// subscriber inside the same transaction as the aggregate write.
func (r *repo) syncVehicleInterests(ctx context.Context, tx *gorm.DB, sub *subscriberdomain.Subscriber) error {
	if err := tx.WithContext(ctx).
		Where("subscriber_id = ?", sub.ID).
		Delete(&subscriberdomain.VehicleInterest{}).Error; err != nil {
		return err
	}

	var rows []subscriberdomain.VehicleInterest
	for i := range sub.Entitlements {
		ent := &sub.Entitlements[i]
		for _, key := range ent.VehicleKeys() {
			rows = append(rows, subscriberdomain.VehicleInterest{
				SubscriberID:  sub.ID,
				EntitlementID: ent.ID,
				VehicleKey:    key,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&rows).Error
}
