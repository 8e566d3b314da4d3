package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vortexlab/tradengine/internal/domain"
)

// Key layout:
//
//	user:{id}           JSON UserSettings
//	users:{exchange}    SET of user ids configured for the exchange
//	creds:{user}:{exchange}  JSON api credentials
type RedisUserDirectory struct {
	rdb *redis.Client
}

func NewRedisUserDirectory(rdb *redis.Client) *RedisUserDirectory {
	return &RedisUserDirectory{rdb: rdb}
}

func userKey(id string) string            { return "user:" + id }
func usersIndexKey(exchangeID string) string { return "users:" + exchangeID }
func credsKey(userID, exchangeID string) string {
	return "creds:" + userID + ":" + exchangeID
}

func (d *RedisUserDirectory) ActiveUsers(ctx context.Context, exchangeID string) ([]*domain.UserSettings, error) {
	ids, err := d.rdb.SMembers(ctx, usersIndexKey(exchangeID)).Result()
	if err != nil {
		return nil, err
	}

	users := make([]*domain.UserSettings, 0, len(ids))
	for _, id := range ids {
		data, err := d.rdb.Get(ctx, userKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var user domain.UserSettings
		if err := json.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("unmarshal user %s: %w", id, err)
		}
		acc, ok := user.Accounts[exchangeID]
		if !ok || acc.Status != domain.AccountActive {
			continue
		}
		users = append(users, &user)
	}
	return users, nil
}

// MarkAccountBroken flips the account to BROKEN so real trading stops
// until the user re-enters valid keys.
func (d *RedisUserDirectory) MarkAccountBroken(ctx context.Context, userID, exchangeID string) error {
	data, err := d.rdb.Get(ctx, userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var user domain.UserSettings
	if err := json.Unmarshal(data, &user); err != nil {
		return fmt.Errorf("unmarshal user %s: %w", userID, err)
	}

	acc, ok := user.Accounts[exchangeID]
	if !ok {
		return nil
	}
	acc.Status = domain.AccountBroken
	user.Accounts[exchangeID] = acc

	updated, err := json.Marshal(&user)
	if err != nil {
		return err
	}
	return d.rdb.Set(ctx, userKey(userID), updated, 0).Err()
}

// SaveUser upserts the settings and maintains the per-exchange index.
func (d *RedisUserDirectory) SaveUser(ctx context.Context, user *domain.UserSettings) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	pipe := d.rdb.TxPipeline()
	pipe.Set(ctx, userKey(user.UserID), data, 0)
	for exchangeID := range user.Accounts {
		pipe.SAdd(ctx, usersIndexKey(exchangeID), user.UserID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

var _ domain.UserDirectory = (*RedisUserDirectory)(nil)

// apiCredentials is the stored shape of one user's exchange keys.
type apiCredentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// Credentials implements the gateway's credentials lookup.
func (d *RedisUserDirectory) Credentials(ctx context.Context, userID, exchangeID string) (string, string, error) {
	data, err := d.rdb.Get(ctx, credsKey(userID, exchangeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", "", fmt.Errorf("no credentials for user %s on %s", userID, exchangeID)
	}
	if err != nil {
		return "", "", err
	}
	var creds apiCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds.APIKey, creds.APISecret, nil
}

// SaveCredentials stores the user's API keys for the exchange.
func (d *RedisUserDirectory) SaveCredentials(ctx context.Context, userID, exchangeID, apiKey, apiSecret string) error {
	data, err := json.Marshal(apiCredentials{APIKey: apiKey, APISecret: apiSecret})
	if err != nil {
		return err
	}
	return d.rdb.Set(ctx, credsKey(userID, exchangeID), data, 0).Err()
}
