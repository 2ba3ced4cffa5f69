package channel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GezzyDax/Timelith/internal/channel"
	"github.com/GezzyDax/Timelith/internal/schedule"
	"github.com/GezzyDax/Timelith/internal/storage/storagetest"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newSchedule(t *testing.T, ss *schedule.Store) schedule.Schedule {
	t.Helper()
	sc, err := ss.Create(context.Background(), schedule.Schedule{
		Name: "daily",
		Def:  schedule.Definition{Kind: schedule.KindInterval, IntervalMinutes: 60},
	}, t0)
	require.NoError(t, err)
	return sc
}

func TestUpsertIsUniqueByExternalID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := channel.NewStore(storagetest.Open(t))

	a, err := st.Upsert(ctx, channel.Target{ExternalID: "-1001", Title: "News"}, t0)
	require.NoError(t, err)
	b, err := st.Upsert(ctx, channel.Target{ExternalID: "-1001", Title: "News (renamed)", Kind: channel.KindSupergroup}, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "News (renamed)", b.Title)
	assert.Equal(t, channel.KindSupergroup, b.Kind)
	assert.Equal(t, channel.KindChannel, a.Kind)
}

func TestAttachIsIdempotentAndOrdered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storagetest.Open(t)
	st := channel.NewStore(db)
	sc := newSchedule(t, schedule.NewStore(db, nil, logx.Nop()))

	c1, err := st.Upsert(ctx, channel.Target{ExternalID: "@first"}, t0)
	require.NoError(t, err)
	c2, err := st.Upsert(ctx, channel.Target{ExternalID: "@second"}, t0)
	require.NoError(t, err)

	require.NoError(t, st.Attach(ctx, sc.ID, c2.ID, t0))
	require.NoError(t, st.Attach(ctx, sc.ID, c1.ID, t0))
	require.NoError(t, st.Attach(ctx, sc.ID, c2.ID, t0)) // repeat

	n, err := st.Count(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	members, err := st.Members(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, c2.ID, members[0].ID)
	assert.Equal(t, c1.ID, members[1].ID)
}

func TestAttachUnknownEndpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storagetest.Open(t)
	st := channel.NewStore(db)
	sc := newSchedule(t, schedule.NewStore(db, nil, logx.Nop()))

	err := st.Attach(ctx, sc.ID, "missing", t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, channel.ErrDuplicateLink))
	assert.True(t, errors.Is(err, channel.ErrNotFound))
}

func TestDeleteCascadesLinks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storagetest.Open(t)
	st := channel.NewStore(db)
	ss := schedule.NewStore(db, nil, logx.Nop())
	sc := newSchedule(t, ss)

	c, err := st.Upsert(ctx, channel.Target{ExternalID: "42", Kind: channel.KindUser}, t0)
	require.NoError(t, err)
	require.NoError(t, st.Attach(ctx, sc.ID, c.ID, t0))

	require.NoError(t, st.Delete(ctx, c.ID))
	n, err := st.Count(ctx, sc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, st.Delete(ctx, c.ID), channel.ErrNotFound)
}

func TestDisplayName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   channel.Target
		want string
	}{
		{channel.Target{ExternalID: "1", Title: "Title", Username: "user"}, "Title"},
		{channel.Target{ExternalID: "1", Username: "user"}, "@user"},
		{channel.Target{ExternalID: "1", Username: "@user"}, "@user"},
		{channel.Target{ExternalID: "-100"}, "ID: -100"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.in.DisplayName())
	}
}

func TestDetachKeepsActiveScheduleNonEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storagetest.Open(t)
	st := channel.NewStore(db)
	ss := schedule.NewStore(db, nil, logx.Nop())
	sc := newSchedule(t, ss)

	c1, err := st.Upsert(ctx, channel.Target{ExternalID: "@first"}, t0)
	require.NoError(t, err)
	c2, err := st.Upsert(ctx, channel.Target{ExternalID: "@second"}, t0)
	require.NoError(t, err)
	require.NoError(t, st.Attach(ctx, sc.ID, c1.ID, t0))
	require.NoError(t, st.Attach(ctx, sc.ID, c2.ID, t0))
	_, err = ss.Activate(ctx, sc.ID, t0)
	require.NoError(t, err)

	require.NoError(t, st.Detach(ctx, sc.ID, c1.ID))
	require.NoError(t, st.Detach(ctx, sc.ID, c1.ID), "a missing link is not an error")

	err = st.Detach(ctx, sc.ID, c2.ID)
	assert.ErrorIs(t, err, channel.ErrLastChannel)
	members, err := st.Members(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, c2.ID, members[0].ID)

	require.NoError(t, ss.Deactivate(ctx, sc.ID, t0))
	require.NoError(t, st.Detach(ctx, sc.ID, c2.ID))
	n, err := st.Count(ctx, sc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
