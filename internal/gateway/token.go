// internal/gateway/token.go
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/YaganovValera/kis-collector/internal/metrics"
	"github.com/YaganovValera/kis-collector/pkg/backoff"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

// kst — часовой пояс брокера; в Корее нет перехода на летнее время.
var kst = time.FixedZone("KST", 9*60*60)

const expiryLayout = "2006-01-02 15:04:05"

// Token — bearer-токен и момент, после которого он недействителен.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// valid сообщает, можно ли отдавать токен в момент now.
func (t Token) valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// tokenResponse — ответ /oauth2/tokenP.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiredAt   string `json:"access_token_token_expired"`
}

// token вычисляет срок действия: сначала по абсолютной дате брокера,
// затем по expires_in относительно issuedAt.
func (r tokenResponse) token(issuedAt time.Time) (Token, error) {
	if r.AccessToken == "" {
		return Token{}, errors.New("empty access_token")
	}
	if r.ExpiredAt != "" {
		if at, err := time.ParseInLocation(expiryLayout, r.ExpiredAt, kst); err == nil {
			return Token{Value: r.AccessToken, ExpiresAt: at}, nil
		}
	}
	if r.ExpiresIn > 0 {
		return Token{Value: r.AccessToken, ExpiresAt: issuedAt.Add(time.Duration(r.ExpiresIn) * time.Second)}, nil
	}
	return Token{}, fmt.Errorf("token expiry missing (expires_in=%d)", r.ExpiresIn)
}

type fetchFunc func(ctx context.Context) (Token, error)

// TokenCache отдаёт действующий токен без сетевых вызовов и
// объединяет конкурентные обновления в один запрос.
type TokenCache struct {
	mu  sync.RWMutex
	tok Token

	group singleflight.Group
	fetch fetchFunc
	retry backoff.Config
	now   func() time.Time
	log   *logger.Logger
}

func newTokenCache(fetch fetchFunc, retry backoff.Config, log *logger.Logger) *TokenCache {
	retry.Operation = "token_refresh"
	return &TokenCache{
		fetch: fetch,
		retry: retry,
		now:   time.Now,
		log:   log.Named("token"),
	}
}

// Get возвращает кешированный токен, если он ещё действует, иначе
// присоединяется к единственному обновлению. Отмена ctx освобождает
// вызывающего, но не прерывает обновление для остальных.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok := c.tok
	c.mu.RUnlock()
	if tok.valid(c.now()) {
		return tok.Value, nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(Token).Value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *TokenCache) refresh(ctx context.Context) (Token, error) {
	// Токен мог обновиться, пока этот вызов ждал своей очереди в группе.
	c.mu.RLock()
	cur := c.tok
	c.mu.RUnlock()
	if cur.valid(c.now()) {
		return cur, nil
	}

	var fresh Token
	err := backoff.Execute(ctx, c.retry, c.log, func(ctx context.Context) error {
		t, err := c.fetch(ctx)
		if err != nil {
			return err
		}
		fresh = t
		return nil
	})
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		attempts := 0
		var maxErr *backoff.ErrMaxRetries
		if errors.As(err, &maxErr) {
			attempts = maxErr.Attempts
			err = maxErr.Err
		}
		return Token{}, &AuthError{Attempts: attempts, Err: err}
	}

	c.mu.Lock()
	c.tok = fresh
	c.mu.Unlock()
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	c.log.Info("token refreshed", zap.Time("expires_at", fresh.ExpiresAt))
	return fresh, nil
}

// Current возвращает кешированный токен без обновления.
func (c *TokenCache) Current() Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tok
}
