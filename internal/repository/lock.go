package repository

import (
	"context"
	"fmt"
	"time"

	"doc-intel-go/internal/model"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript 只在 token 匹配时删除锁，避免释放别人持有的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DocumentLocker 为单个文档上的入库与删除提供互斥。
type DocumentLocker interface {
	// Acquire 获取文档锁，锁已被占用时返回 model.ErrDocumentBusy。
	Acquire(ctx context.Context, documentID uint) (release func(), err error)
}

type redisDocumentLocker struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewDocumentLocker 创建基于 Redis SET NX 的文档锁，ttl 用于进程崩溃后自动释放。
func NewDocumentLocker(redisClient *redis.Client, ttl time.Duration) DocumentLocker {
	return &redisDocumentLocker{redisClient: redisClient, ttl: ttl}
}

func (l *redisDocumentLocker) Acquire(ctx context.Context, documentID uint) (func(), error) {
	key := fmt.Sprintf("lock:document:%d", documentID)
	token := uuid.NewString()
	ok, err := l.redisClient.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire document lock: %v", model.ErrStorageFailure, err)
	}
	if !ok {
		return nil, model.ErrDocumentBusy
	}
	release := func() {
		_ = releaseScript.Run(context.Background(), l.redisClient, []string{key}, token).Err()
	}
	return release, nil
}
