package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TestborBot/internal/models"
)

func TestGenerateTestConsumesQuotaAndRewards(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)

	res, err := h.tests.Generate(ctx, 10, TestRequest{Subject: "Physics", Description: "optics", Questions: 25})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.RewardStars)
	require.NotNil(t, res.Record)
	assert.Equal(t, 25, res.Record.QuestionsCount)
	assert.ElementsMatch(t, [][2]int{{20, 1}, {5, 21}}, h.generator.calls)

	acc := h.reload(t, 10)
	assert.Equal(t, 1, acc.FreeQuotaUsed)
	assert.Equal(t, 1, acc.TestCount)
	assert.Equal(t, int64(10), acc.StarBalance)

	tests, err := h.tests.ListTests(ctx, 10, 10)
	require.NoError(t, err)
	assert.Len(t, tests, 1)
}

func TestGenerateTestQuotaBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)

	for i := 0; i < h.cfg.FreeTestLimit; i++ {
		_, err := h.tests.Generate(ctx, 10, TestRequest{Subject: "Math", Questions: 5})
		require.NoError(t, err)
	}
	_, err := h.tests.Generate(ctx, 10, TestRequest{Subject: "Math", Questions: 5})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, h.cfg.FreeTestLimit, h.reload(t, 10).FreeQuotaUsed)

	_, err = h.entitlements.GrantPremium(ctx, 10, models.SourceAdmin, "")
	require.NoError(t, err)
	_, err = h.tests.Generate(ctx, 10, TestRequest{Subject: "Math", Questions: 5})
	require.NoError(t, err)
}

func TestGenerateTestQuestionLimits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)

	_, err := h.tests.Generate(ctx, 10, TestRequest{Subject: "Math", Questions: 31})
	require.ErrorIs(t, err, ErrTooManyQuestions)

	_, err = h.entitlements.GrantPremium(ctx, 10, models.SourceAdmin, "")
	require.NoError(t, err)
	_, err = h.tests.Generate(ctx, 10, TestRequest{Subject: "Math", Questions: 100})
	require.NoError(t, err)
	_, err = h.tests.Generate(ctx, 10, TestRequest{Subject: "Math", Questions: 101})
	require.ErrorIs(t, err, ErrTooManyQuestions)

	_, err = h.tests.Generate(ctx, 10, TestRequest{Subject: " ", Questions: 5})
	require.ErrorIs(t, err, ErrEmptySubject)
}

func TestGenerateTestFailureRefundsSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)
	h.generator.err = errGeneratorDown

	_, err := h.tests.Generate(ctx, 10, TestRequest{Subject: "History", Questions: 10})
	require.ErrorIs(t, err, errGeneratorDown)

	acc := h.reload(t, 10)
	assert.Zero(t, acc.FreeQuotaUsed)
	assert.Zero(t, acc.StarBalance)
}

func TestGenerateTestLogFailureRefundsSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)
	_, err := h.ledger.DB().Exec(`DROP TABLE tests`)
	require.NoError(t, err)

	res, err := h.tests.Generate(ctx, 10, TestRequest{Subject: "History", Questions: 5})
	require.Error(t, err)
	assert.Nil(t, res)

	acc := h.reload(t, 10)
	assert.Zero(t, acc.FreeQuotaUsed)
	assert.Zero(t, acc.TestCount)
	assert.Zero(t, acc.StarBalance)
}

func TestTestCountSurvivesRefundAndRevoke(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)

	for i := 0; i < 2; i++ {
		_, err := h.tests.Generate(ctx, 10, TestRequest{Subject: "Math", Questions: 5})
		require.NoError(t, err)
	}
	h.generator.err = errGeneratorDown
	_, err := h.tests.Generate(ctx, 10, TestRequest{Subject: "Math", Questions: 5})
	require.ErrorIs(t, err, errGeneratorDown)

	require.NoError(t, h.users.SetQuotaLimit(ctx, 10, 1))
	_, err = h.entitlements.GrantPremium(ctx, 10, models.SourceAdmin, "")
	require.NoError(t, err)
	_, err = h.entitlements.RevokePremium(ctx, 10)
	require.NoError(t, err)

	acc := h.reload(t, 10)
	assert.Equal(t, 1, acc.FreeQuotaUsed)
	assert.Equal(t, 2, acc.TestCount)
}

func TestEnsureMarksAdmins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	admin, err := h.users.Ensure(ctx, 1, "Admin", "admin")
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)

	user, err := h.users.Ensure(ctx, 2, "User", "")
	require.NoError(t, err)
	assert.False(t, user.IsAdmin)
	require.NotNil(t, user.FreeQuotaLimit)
	assert.Equal(t, h.cfg.FreeTestLimit, *user.FreeQuotaLimit)

	ids, err := h.users.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids)
}
