package sqlxrepos_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/unihub/core/portal"
	"github.com/trezcool/unihub/storage/database"
	"github.com/trezcool/unihub/storage/database/sqlx"
	"github.com/trezcool/unihub/tests"
)

// openTestDB connects to $TEST_DATABASE_URL, migrated and emptied.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(db))
	_, err = db.Exec(`TRUNCATE messages, channel_members, channels, profiles`)
	require.NoError(t, err)
	return db
}

func TestPortalRepository(t *testing.T) {
	db := openTestDB(t)
	repo := sqlxrepos.NewPortalRepository(db)
	ctx := context.Background()

	amani := testutil.CreateProfile(t, repo, "Amani", portal.RoleStudent)
	baraka := testutil.CreateProfile(t, repo, "Baraka", portal.RoleAcademic)
	ch := testutil.CreateChannel(t, repo, "Year 3", portal.ChannelYear, amani)

	t.Run("profiles", func(t *testing.T) {
		got, err := repo.GetProfile(ctx, amani.ID)
		require.NoError(t, err)
		assert.Equal(t, "Amani", got.Name)
		assert.Empty(t, got.Email)

		_, err = repo.GetProfile(ctx, uuid.NewString())
		assert.Equal(t, portal.ErrProfileNotFound, err)
		_, err = repo.GetProfile(ctx, "not-a-uuid")
		assert.Equal(t, portal.ErrProfileNotFound, err)

		profiles, err := repo.GetProfiles(ctx, amani.ID, "not-a-uuid", baraka.ID)
		require.NoError(t, err)
		assert.Len(t, profiles, 2)

		amani.Email = "amani@uni.ac.tz"
		saved, err := repo.SaveProfile(ctx, amani)
		require.NoError(t, err)
		assert.Equal(t, "amani@uni.ac.tz", saved.Email)
	})

	t.Run("members", func(t *testing.T) {
		_, err := repo.AddMember(ctx, portal.Member{ID: uuid.NewString(), ChannelID: ch.ID, UserID: amani.ID, JoinedAt: time.Now()})
		assert.Equal(t, portal.ErrAlreadyMember, err)
		_, err = repo.AddMember(ctx, portal.Member{ID: uuid.NewString(), ChannelID: uuid.NewString(), UserID: amani.ID, JoinedAt: time.Now()})
		assert.True(t, portal.IsNotFound(err))

		testutil.AddMember(t, repo, ch, baraka, time.Now().Add(time.Second))
		members, err := repo.ListMembers(ctx, ch.ID)
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, amani.ID, members[0].UserID)

		removed, err := repo.RemoveMember(ctx, ch.ID, baraka.ID)
		require.NoError(t, err)
		assert.Equal(t, baraka.ID, removed.UserID)
		_, err = repo.RemoveMember(ctx, ch.ID, baraka.ID)
		assert.Equal(t, portal.ErrMemberNotFound, err)
	})

	t.Run("messages", func(t *testing.T) {
		t0 := time.Now().UTC().Truncate(time.Millisecond)
		m2 := testutil.CreateMessage(t, repo, ch, baraka, "second", t0.Add(time.Second))
		m1 := testutil.CreateMessage(t, repo, ch, amani, "first", t0)

		msgs, err := repo.ListMessages(ctx, ch.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, []string{m1.ID, m2.ID}, []string{msgs[0].ID, msgs[1].ID})

		empty, err := repo.ListMessages(ctx, "not-a-uuid")
		require.NoError(t, err)
		assert.Empty(t, empty)

		m1.Content, m1.IsPinned = "edited", true
		updated, err := repo.UpdateMessage(ctx, m1)
		require.NoError(t, err)
		assert.Equal(t, "edited", updated.Content)
		assert.True(t, updated.IsPinned)

		_, err = repo.CreateMessage(ctx, portal.Message{ID: uuid.NewString(), ChannelID: uuid.NewString(), UserID: amani.ID, Content: "x"})
		assert.True(t, errors.Is(err, portal.ErrNotFound))

		require.NoError(t, repo.DeleteMessage(ctx, m2.ID))
		assert.Equal(t, portal.ErrMessageNotFound, repo.DeleteMessage(ctx, m2.ID))
		_, err = repo.GetMessage(ctx, m2.ID)
		assert.True(t, portal.IsNotFound(err))
	})
}
