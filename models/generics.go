package models

import (
	"context"

	"github.com/mmdatafocus/garment_backend/config"
	"github.com/mmdatafocus/garment_backend/utils"
)

// first find in redis, then in db, cache result
// (may return RecordNotFound error)
func GetResource[T any](ctx context.Context, id int, associations ...string) (*T, error) {

	// find in redis
	result, err := utils.RetrieveRedis[T](id)
	if err != nil {
		config.LogError(config.GetLogger(), "models", "GetResource", "redis read failed, falling back to db", utils.RedisKey[T](id), err)
		result = nil
	}
	// if not found in redis
	if result == nil {
		// fetch from db
		result, err = utils.FetchSingleModel[T](ctx, id, associations...)
		if err != nil {
			return nil, err
		}

		// store in redis
		if err := utils.StoreRedis[T](result, id); err != nil {
			config.LogError(config.GetLogger(), "models", "GetResource", "redis write failed", utils.RedisKey[T](id), err)
		}
	}

	return result, nil
}

// list resources in id order, optionally restricted to ids
func ListResources[T any](ctx context.Context, ids []int) ([]*T, error) {
	db := config.GetDB()
	var results []*T
	dbCtx := db.WithContext(ctx)
	if ids != nil {
		dbCtx = dbCtx.Where("id IN ?", utils.UniqueSlice(ids))
	}
	if err := dbCtx.Order("id").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
