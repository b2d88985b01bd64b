package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/redis"
)

const (
	partSession = "session"
	partFiles   = "files"
	deliveryKey = "wa-delivery:%s"
)

// RedisStore keeps a session as a hash (wa:{user}:session) plus a list of file
// refs (wa:{user}:files). Both keys are rewritten in one MULTI/EXEC and carry
// the same TTL.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Get(ctx context.Context, user string) (*models.Session, error) {
	raw := s.client.Raw()
	if raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	fields, err := raw.HGetAll(ctx, redis.UserKey(user, partSession)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session hash: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	items, err := raw.LRange(ctx, redis.UserKey(user, partFiles), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load session files: %w", err)
	}
	sess, err := decodeSession(user, fields, items)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *RedisStore) Put(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	raw := s.client.Raw()
	if raw == nil {
		return errors.New("redis client not initialized")
	}
	sessKey := redis.UserKey(sess.User, partSession)
	filesKey := redis.UserKey(sess.User, partFiles)

	next := sess.Clone()
	txf := func(tx *goredis.Tx) error {
		current, err := storedVersion(ctx, tx, sessKey)
		if err != nil {
			return err
		}
		if current != sess.Version {
			return ErrConflict
		}
		next.Version = current + 1
		next.UpdatedAt = s.now()
		fields, err := encodeSession(next)
		if err != nil {
			return err
		}
		files, err := encodeFiles(next.Files)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, sessKey, filesKey)
			pipe.HSet(ctx, sessKey, fields)
			pipe.Expire(ctx, sessKey, ttl)
			if len(files) > 0 {
				pipe.RPush(ctx, filesKey, files...)
				pipe.Expire(ctx, filesKey, ttl)
			}
			return nil
		})
		return err
	}

	if err := raw.Watch(ctx, txf, sessKey); err != nil {
		if errors.Is(err, redis.ErrTxFailed) {
			return ErrConflict
		}
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("write session: %w", err)
	}
	sess.Version = next.Version
	sess.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, user string) error {
	if err := s.client.Del(ctx, redis.UserKey(user, partSession), redis.UserKey(user, partFiles)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, user string, version int64) error {
	raw := s.client.Raw()
	if raw == nil {
		return errors.New("redis client not initialized")
	}
	sessKey := redis.UserKey(user, partSession)
	filesKey := redis.UserKey(user, partFiles)
	txf := func(tx *goredis.Tx) error {
		current, err := storedVersion(ctx, tx, sessKey)
		if err != nil {
			return err
		}
		if current != version {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, sessKey, filesKey)
			return nil
		})
		return err
	}
	if err := raw.Watch(ctx, txf, sessKey); err != nil {
		if errors.Is(err, redis.ErrTxFailed) || errors.Is(err, ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteAll(ctx context.Context, user string) error {
	keys, err := s.client.Keys(ctx, redis.UserPattern(user))
	if err != nil {
		return fmt.Errorf("scan user keys: %w", err)
	}
	if err := s.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("delete user keys: %w", err)
	}
	log.Debug().Int("keys", len(keys)).Msg("cleared user scope")
	return nil
}

func (s *RedisStore) MarkDelivery(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	first, err := s.client.SetNX(ctx, fmt.Sprintf(deliveryKey, deliveryID), 1, ttl)
	if err != nil {
		return false, fmt.Errorf("mark delivery: %w", err)
	}
	return first, nil
}

func storedVersion(ctx context.Context, tx *goredis.Tx, key string) (int64, error) {
	v, err := tx.HGet(ctx, key, "version").Int64()
	if errors.Is(err, redis.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read session version: %w", err)
	}
	return v, nil
}

func encodeSession(sess *models.Session) (map[string]interface{}, error) {
	services, err := json.Marshal(sess.Services)
	if err != nil {
		return nil, fmt.Errorf("encode services: %w", err)
	}
	entities, err := json.Marshal(sess.Entities)
	if err != nil {
		return nil, fmt.Errorf("encode entities: %w", err)
	}
	bills, err := json.Marshal(sess.Bills)
	if err != nil {
		return nil, fmt.Errorf("encode bills: %w", err)
	}
	return map[string]interface{}{
		"state":       string(sess.State),
		"version":     sess.Version,
		"services":    string(services),
		"service":     string(sess.Service),
		"employee_id": sess.EmployeeID,
		"tenant":      sess.Tenant,
		"entities":    string(entities),
		"entity_id":   sess.EntityID,
		"expected":    sess.Expected,
		"received":    sess.Received,
		"batch_id":    sess.BatchID,
		"bills":       string(bills),
		"draft_ref":   sess.DraftRef,
		"record_ref":  sess.RecordRef,
		"reply_to":    sess.ReplyTo,
		"updated_at":  sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func encodeFiles(files []models.FileRef) ([]interface{}, error) {
	out := make([]interface{}, 0, len(files))
	for _, f := range files {
		data, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("encode file ref: %w", err)
		}
		out = append(out, string(data))
	}
	return out, nil
}

func decodeSession(user string, fields map[string]string, files []string) (*models.Session, error) {
	sess := models.NewSession(user)
	sess.State = models.State(fields["state"])
	if !sess.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrCorrupt, fields["state"])
	}
	var err error
	if sess.Version, err = parseInt(fields, "version"); err != nil {
		return nil, err
	}
	if sess.EmployeeID, err = parseInt(fields, "employee_id"); err != nil {
		return nil, err
	}
	expected, err := parseInt(fields, "expected")
	if err != nil {
		return nil, err
	}
	received, err := parseInt(fields, "received")
	if err != nil {
		return nil, err
	}
	sess.Expected, sess.Received = int(expected), int(received)
	sess.Service = models.Service(fields["service"])
	sess.Tenant = fields["tenant"]
	sess.EntityID = fields["entity_id"]
	sess.BatchID = fields["batch_id"]
	sess.DraftRef = fields["draft_ref"]
	sess.RecordRef = fields["record_ref"]
	sess.ReplyTo = fields["reply_to"]
	if v := fields["updated_at"]; v != "" {
		if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("%w: updated_at: %v", ErrCorrupt, err)
		}
	}
	if err := decodeJSONField(fields, "services", &sess.Services); err != nil {
		return nil, err
	}
	if err := decodeJSONField(fields, "entities", &sess.Entities); err != nil {
		return nil, err
	}
	if err := decodeJSONField(fields, "bills", &sess.Bills); err != nil {
		return nil, err
	}
	for _, item := range files {
		var f models.FileRef
		if err := json.Unmarshal([]byte(item), &f); err != nil {
			return nil, fmt.Errorf("%w: file ref: %v", ErrCorrupt, err)
		}
		sess.Files = append(sess.Files, f)
	}
	return sess, nil
}

func parseInt(fields map[string]string, name string) (int64, error) {
	v := fields[name]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return n, nil
}

func decodeJSONField(fields map[string]string, name string, dst interface{}) error {
	v := fields[name]
	if v == "" || v == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return nil
}
