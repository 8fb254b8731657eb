package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"funnelmetrics/internal/types"
)

const resetLinkPrefix = "https://app.funnelmetrics.test/auth/reset-password/"

func TestService_RequestPasswordReset(t *testing.T) {
	svc, d := newTestAuthService(t)
	d.users.On("GetByEmail", mock.Anything, "owner@example.com").Return(existingUser(), nil)

	var storedHash string
	d.resets.On("Create", mock.Anything, "user-1", mock.Anything, securityNow.Add(DefaultResetTTL), securityNow).
		Run(func(args mock.Arguments) { storedHash = args.String(2) }).
		Return(nil).Once()

	var notice types.Notice
	d.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(n types.Notice) bool {
		return n.Kind == types.NoticePasswordReset
	})).Run(func(args mock.Arguments) { notice = args.Get(1).(types.Notice) }).Return(nil).Once()

	require.NoError(t, svc.RequestPasswordReset(context.Background(), " Owner@Example.com "))

	link := notice.Payload["action_url"]
	require.True(t, strings.HasPrefix(link, resetLinkPrefix), link)
	token := strings.TrimPrefix(link, resetLinkPrefix)
	assert.Len(t, token, 43)
	assert.Equal(t, hashResetToken(token), storedHash)
	assert.NotContains(t, storedHash, token)
	assert.Equal(t, "60", notice.Payload["expires_in_minutes"])
	assert.Equal(t, "Ada", notice.Payload["name"])
	assert.Equal(t, "owner@example.com", notice.Email)
}

func TestService_RequestPasswordReset_UnknownEmail(t *testing.T) {
	svc, d := newTestAuthService(t)
	d.users.On("GetByEmail", mock.Anything, "ghost@example.com").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil))

	require.NoError(t, svc.RequestPasswordReset(context.Background(), "ghost@example.com"))
	d.resets.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	d.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_RequestPasswordReset_Failures(t *testing.T) {
	t.Run("store", func(t *testing.T) {
		svc, d := newTestAuthService(t)
		d.users.On("GetByEmail", mock.Anything, mock.Anything).Return(existingUser(), nil)
		d.resets.On("Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(types.NewAppError(types.ErrCodeInternalDB, "db down", nil))

		err := svc.RequestPasswordReset(context.Background(), "owner@example.com")
		assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
		d.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("queue", func(t *testing.T) {
		svc, d := newTestAuthService(t)
		d.users.On("GetByEmail", mock.Anything, mock.Anything).Return(existingUser(), nil)
		d.resets.On("Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		d.publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("queue down"))

		err := svc.RequestPasswordReset(context.Background(), "owner@example.com")
		assert.True(t, types.HasCode(err, types.ErrCodeInternalUnexpected))
	})
}

func TestService_CompletePasswordReset(t *testing.T) {
	svc, d := newTestAuthService(t)
	d.hasher.On("GenerateFromPassword", "brand new secret").Return("$2a$12$new", nil)
	d.resets.On("Complete", mock.Anything, hashResetToken("tok"), "$2a$12$new", securityNow).
		Return("user-1", nil).Once()

	require.NoError(t, svc.CompletePasswordReset(context.Background(), "tok", "brand new secret"))
	d.resets.AssertExpectations(t)
}

func TestService_CompletePasswordReset_Rejects(t *testing.T) {
	t.Run("weak password", func(t *testing.T) {
		svc, d := newTestAuthService(t)
		err := svc.CompletePasswordReset(context.Background(), "tok", "short")
		assert.True(t, types.HasCode(err, types.ErrCodeValidationPassword))
		d.resets.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("empty token", func(t *testing.T) {
		svc, _ := newTestAuthService(t)
		err := svc.CompletePasswordReset(context.Background(), "", "brand new secret")
		assert.True(t, types.HasCode(err, types.ErrCodeAuthTokenInvalid))
	})

	t.Run("used or expired token", func(t *testing.T) {
		svc, d := newTestAuthService(t)
		d.hasher.On("GenerateFromPassword", mock.Anything).Return("$2a$12$new", nil)
		d.resets.On("Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("", types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid", nil))

		err := svc.CompletePasswordReset(context.Background(), "stale", "brand new secret")
		assert.True(t, types.HasCode(err, types.ErrCodeAuthTokenInvalid))
	})
}

func TestNewResetToken_Unique(t *testing.T) {
	a, err := newResetToken()
	require.NoError(t, err)
	b, err := newResetToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, hashResetToken(a), 64)
}
