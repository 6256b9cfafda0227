package database

import (
	"context"
	"time"
)

const (
	panelTokenPrefix = "marzguard:panel-token:"
	panelTokenTTL    = 10 * time.Minute // panel tokens outlive a monitoring cycle
)

// GetCachedPanelToken returns a cached bearer token for a remote panel
// account, or "" on a miss. Redis being down degrades to re-authentication.
func GetCachedPanelToken(username string) string {
	if Redis == nil {
		return ""
	}

	ctx := context.Background()
	token, err := Redis.Get(ctx, panelTokenPrefix+username).Result()
	if err != nil {
		return "" // Cache miss
	}
	return token
}

// SetCachedPanelToken stores a bearer token for a remote panel account
func SetCachedPanelToken(username, token string) {
	if Redis == nil || token == "" {
		return
	}

	ctx := context.Background()
	Redis.Set(ctx, panelTokenPrefix+username, token, panelTokenTTL)
}

// InvalidatePanelToken removes a cached token (call when the remote rejects
// it, or after the account's secret is rotated)
func InvalidatePanelToken(username string) {
	if Redis == nil {
		return
	}

	ctx := context.Background()
	Redis.Del(ctx, panelTokenPrefix+username)
}
