package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/wizardsync/internal/wizard"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "w.db")
	d1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d1.Close())

	d2, err := Open(path)
	require.NoError(t, err)
	defer d2.Close()

	var n int
	err = d2.Reader().QueryRow(
		"SELECT count(*) FROM pragma_table_info('progress')" +
			" WHERE name='version'",
	).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	d := openTestDB(t)
	boom := errors.New("boom")
	err := d.Update(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO progress_cache
				(cache_key, schema_version, record, updated_at)
			 VALUES ('k', 1, '{}', 0)`,
		); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	row, err := d.LoadCacheRow("k")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestCacheRowRoundTrip(t *testing.T) {
	d := openTestDB(t)

	row, err := d.LoadCacheRow("missing")
	require.NoError(t, err)
	assert.Nil(t, row)

	fetched := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, d.SaveCacheRow(CacheRow{
		Key:           "k1",
		SchemaVersion: 1,
		Record:        `{"currentStep":"org-choice"}`,
		LastFetched:   &fetched,
		UpdatedAt:     fetched,
	}))

	row, err = d.LoadCacheRow("k1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 1, row.SchemaVersion)
	assert.Equal(t, `{"currentStep":"org-choice"}`, row.Record)
	require.NotNil(t, row.LastFetched)
	assert.True(t, fetched.Equal(*row.LastFetched))

	// Overwrite with a never-fetched entry.
	require.NoError(t, d.SaveCacheRow(CacheRow{
		Key: "k1", SchemaVersion: 2, Record: "{}",
		UpdatedAt: fetched,
	}))
	row, err = d.LoadCacheRow("k1")
	require.NoError(t, err)
	assert.Equal(t, 2, row.SchemaVersion)
	assert.Nil(t, row.LastFetched)

	require.NoError(t, d.DeleteCacheRow("k1"))
	require.NoError(t, d.DeleteCacheRow("k1"))
	row, err = d.LoadCacheRow("k1")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestUserLookup(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	u, err := d.CreateUser(ctx, "ada@example.com", true)
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.NotEmpty(t, u.Token)

	got, err := d.UserByToken(ctx, u.Token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.User, *got)

	got, err = d.UserByToken(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = d.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ada@example.com", got.Email)

	_, err = d.CreateUser(ctx, "ada@example.com", false)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestProgressLifecycle(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	def := wizard.Default()

	u, err := d.CreateUser(ctx, "grace@example.com", true)
	require.NoError(t, err)

	rec, err := d.GetProgress(ctx, u.ID, def)
	require.NoError(t, err)
	assert.Equal(t, wizard.StepAccountVerified, rec.CurrentStep)
	assert.Empty(t, rec.CompletedSteps)
	assert.Equal(t, 0, rec.Progress)
	assert.Equal(t, int64(0), rec.Version)
	assert.Equal(t, u.ID, rec.User.ID)

	rec, next, err := d.CompleteStep(ctx, u.ID,
		wizard.StepAccountVerified, wizard.Payload{"code": "123"}, def)
	require.NoError(t, err)
	assert.Equal(t, wizard.StepOrgChoice, next)
	assert.Equal(t, wizard.StepOrgChoice, rec.CurrentStep)
	assert.Equal(t, 20, rec.Progress)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "123", rec.StepData[wizard.StepAccountVerified]["code"])

	// Re-completing replaces the payload and still bumps the version.
	rec, _, err = d.CompleteStep(ctx, u.ID,
		wizard.StepAccountVerified, wizard.Payload{"code": "456"}, def)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, "456", rec.StepData[wizard.StepAccountVerified]["code"])
	assert.Len(t, rec.CompletedSteps, 1)

	rec, err = d.ResetProgress(ctx, u.ID, def)
	require.NoError(t, err)
	assert.Empty(t, rec.CompletedSteps)
	assert.Equal(t, wizard.StepAccountVerified, rec.CurrentStep)
	assert.Equal(t, int64(3), rec.Version)
}

func TestCompleteLastStepHasNoNext(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	def := wizard.New([]wizard.StepDef{
		{ID: "a", Required: true},
		{ID: "b", Required: true},
	})
	u, err := d.CreateUser(ctx, "x@example.com", false)
	require.NoError(t, err)

	_, next, err := d.CompleteStep(ctx, u.ID, "a", nil, def)
	require.NoError(t, err)
	assert.Equal(t, wizard.Step("b"), next)

	rec, next, err := d.CompleteStep(ctx, u.ID, "b", nil, def)
	require.NoError(t, err)
	assert.Equal(t, wizard.Step(""), next)
	assert.Equal(t, wizard.Step("b"), rec.CurrentStep)
	assert.Equal(t, 100, rec.Progress)
}

func TestProgressUnknownUser(t *testing.T) {
	d := openTestDB(t)
	_, err := d.GetProgress(context.Background(), "ghost", wizard.Default())
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = d.CompleteStep(context.Background(), "ghost",
		wizard.StepAccountVerified, nil, wizard.Default())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.ResetProgress(context.Background(), "ghost", wizard.Default())
	assert.ErrorIs(t, err, ErrNotFound)
}
