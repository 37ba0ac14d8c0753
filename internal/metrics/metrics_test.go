package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tikslop/videogen-gateway/internal/frame"
	"github.com/tikslop/videogen-gateway/internal/identity"
)

func TestIsRateLimited_UnderLimit_Passes(t *testing.T) {
	s := NewState("secret")
	for i := 0; i < 10; i++ {
		s.RecordRequest("u1", frame.ClassChat, identity.RoleAnon)
	}
	assert.False(t, s.IsRateLimited("u1", frame.ClassChat, identity.RoleAnon))
}

func TestIsRateLimited_OverLimit_Blocks(t *testing.T) {
	s := NewState("secret")
	for i := 0; i < 130; i++ {
		s.RecordRequest("u1", frame.ClassChat, identity.RoleAnon)
	}
	assert.True(t, s.IsRateLimited("u1", frame.ClassChat, identity.RoleAnon))
}

func TestIsRateLimited_AdminNeverLimited(t *testing.T) {
	s := NewState("secret")
	for i := 0; i < 10000; i++ {
		s.RecordRequest("admin1", frame.ClassVideo, identity.RoleAdmin)
	}
	assert.False(t, s.IsRateLimited("admin1", frame.ClassVideo, identity.RoleAdmin))
}

func TestIsRateLimited_WeightsPreviousMinuteBucket(t *testing.T) {
	s := NewState("secret")
	s.limits = map[identity.Role]map[frame.Class]int{
		identity.RoleAnon: {frame.ClassChat: 10},
	}
	now := time.Now()
	s.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		s.RecordRequest("u1", frame.ClassChat, identity.RoleAnon)
	}
	// Move to the next minute; current bucket is empty, but the weighted
	// rate still carries 0.3 of the prior minute's 10 (rate 3, under 10).
	s.now = func() time.Time { return now.Add(time.Minute) }
	assert.False(t, s.IsRateLimited("u1", frame.ClassChat, identity.RoleAnon))

	// 11 more in the new minute: rate = 0.7*11 + 0.3*10 = 10.7, over 10.
	for i := 0; i < 11; i++ {
		s.RecordRequest("u1", frame.ClassChat, identity.RoleAnon)
	}
	assert.True(t, s.IsRateLimited("u1", frame.ClassChat, identity.RoleAnon))
}

func TestIsRateLimited_SimulationUsesOtherLimit(t *testing.T) {
	s := NewState("secret")
	for i := 0; i < 65; i++ {
		s.RecordRequest("u1", frame.ClassSimulation, identity.RoleAnon)
	}
	assert.True(t, s.IsRateLimited("u1", frame.ClassSimulation, identity.RoleAnon))
}

func TestRegisterUnregisterSession_TracksActiveCounts(t *testing.T) {
	s := NewState("secret")
	s.RegisterSession("u1", "1.2.3.4")
	s.RegisterSession("u2", "1.2.3.4")
	s.RegisterSession("u3", "5.6.7.8")

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.ActiveSessions)
	assert.Equal(t, 2, snap.ActiveIPs)

	s.UnregisterSession("u1", "1.2.3.4")
	snap = s.Snapshot()
	assert.Equal(t, 2, snap.ActiveSessions)
	assert.Equal(t, 2, snap.ActiveIPs)

	s.UnregisterSession("u2", "1.2.3.4")
	snap = s.Snapshot()
	assert.Equal(t, 1, snap.ActiveIPs)
}

func TestDetailedSnapshot_RequiresMatchingSecret(t *testing.T) {
	s := NewState("the-real-secret")
	s.RecordRequest("u1", frame.ClassChat, identity.RoleNormal)

	_, ok := s.DetailedSnapshot("wrong")
	assert.False(t, ok)

	detail, ok := s.DetailedSnapshot("the-real-secret")
	require.True(t, ok)
	assert.Equal(t, 1, detail.PerUser["u1"]["chat"])
}

func TestConnLimiter_BlocksAfterRate(t *testing.T) {
	cl, err := NewConnLimiter("2-M", "2-M")
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, cl.AllowIP(ctx, "9.9.9.9"))
	assert.True(t, cl.AllowIP(ctx, "9.9.9.9"))
	assert.False(t, cl.AllowIP(ctx, "9.9.9.9"))

	assert.True(t, cl.AllowUser(ctx, "userA"))
	assert.True(t, cl.AllowUser(ctx, "userA"))
	assert.False(t, cl.AllowUser(ctx, "userA"))
}
