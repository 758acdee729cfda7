package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "ABCD-EFGH-JKLM-NPQR", NormalizeKey("  abcd-efgh-jklm-npqr "))
	assert.Equal(t, "ABCD-EFGH-JKLM-NPQR", NormalizeKey("ABCD-EFGH -JKLM-NPQR"))
	assert.Equal(t, "", NormalizeKey("   "))
}

func TestMemberLevelOrdering(t *testing.T) {
	assert.True(t, LevelSVIP.AtLeast(LevelVIP))
	assert.True(t, LevelVVIP.AtLeast(LevelVVIP))
	assert.False(t, LevelVIP.AtLeast(LevelSVIP))
	assert.False(t, MemberLevel("GOLD").AtLeast(LevelVIP))

	assert.True(t, LevelVIP.Valid())
	assert.False(t, MemberLevel("GOLD").Valid())
}

func TestSystemTypeValid(t *testing.T) {
	assert.True(t, SystemDesktop.Valid())
	assert.True(t, SystemStudio.Valid())
	assert.False(t, SystemType("mainframe").Valid())
}

func TestLogActionRebindCounting(t *testing.T) {
	assert.True(t, ActionActivate.CountsTowardRebindLimit())
	assert.True(t, ActionForceActivate.CountsTowardRebindLimit())
	assert.False(t, ActionVerify.CountsTowardRebindLimit())
	assert.False(t, ActionUnbind.CountsTowardRebindLimit())
}
