package utils

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/mmdatafocus/garment_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

func RedisKey[T any](id int) string {
	return GetTypeName[T]() + ":" + fmt.Sprint(id)
}

// store instance, obj should be a pointer
func StoreRedis[T any](obj any, id int) error {
	return config.SetRedisObject(RedisKey[T](id), &obj, GetCacheLifespan())
}

// get from redis
// returns nil if does not exist
func RetrieveRedis[T any](id int) (*T, error) {
	var result *T
	exists, err := config.GetRedisObject(RedisKey[T](id), &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// RedisGenerationKey names the counter versioning Type:$id.
func RedisGenerationKey[T any](id int) string {
	return RedisKey[T](id) + ":gen"
}

// RetrieveRedisGeneration reads the current generation of Type:$id.
func RetrieveRedisGeneration[T any](id int) (int64, error) {
	return config.GetRedisCounter(RedisGenerationKey[T](id))
}

// store instance only if Type:$id was not invalidated after gen was read
func StoreRedisIfGeneration[T any](obj any, id int, gen int64, exp time.Duration) (bool, error) {
	return config.SetRedisObjectIfCounter(RedisKey[T](id), RedisGenerationKey[T](id), gen, &obj, exp)
}

// invalidate instances: bump each generation and remove Type:$id
func InvalidateRedisItem[T any](ids ...int) error {
	keys := make([]string, 0, len(ids))
	genKeys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, RedisKey[T](id))
		genKeys = append(genKeys, RedisGenerationKey[T](id))
	}
	return config.BumpRedisCounters(genKeys, keys...)
}
