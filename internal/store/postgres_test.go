package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theunahub/yara/internal/models"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresStore_AppendTurn(t *testing.T) {
	s, mock := newMockPostgres(t)
	created := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO conversation_turns").
		WithArgs("turn-1", "+5491100000000", "user", "hola", created).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.AppendTurn(context.Background(), models.ConversationTurn{
		ID: "turn-1", ChannelID: "+5491100000000", Role: models.RoleUser, Content: "hola", CreatedAt: created,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetWindow(t *testing.T) {
	s, mock := newMockPostgres(t)
	since := time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "channel_id", "role", "content", "created_at"}).
		AddRow("t1", "c1", "user", "hola", since.Add(time.Minute)).
		AddRow("t2", "c1", "assistant", "¡Hola!", since.Add(2*time.Minute))

	mock.ExpectQuery("SELECT id, channel_id, role, content, created_at FROM conversation_turns").
		WithArgs("c1", since).
		WillReturnRows(rows)

	turns, err := s.GetWindow(context.Background(), "c1", since)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetProfileNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery("FROM user_profiles WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	p, err := s.GetProfile(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPostgresStore_GetProfileArrays(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "name", "age", "location", "interests", "budget_preference", "favorite_neighborhoods",
		"recommendation_count", "pending_question", "created_at", "updated_at",
	}).AddRow("p1", "Sofi", 27, nil, "{jazz,tango}", "low", "{Palermo}", 3, nil, now, now)

	mock.ExpectQuery("FROM user_profiles WHERE id").WithArgs("p1").WillReturnRows(rows)

	p, err := s.GetProfile(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []string{"jazz", "tango"}, p.Interests)
	assert.Equal(t, []string{"Palermo"}, p.FavoriteNeighborhoods)
	assert.Equal(t, 3, p.RecommendationCount)
	assert.Empty(t, p.Location)
}

func TestPostgresStore_IncrementRecommendationCount(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery("INSERT INTO user_profiles").
		WithArgs("p1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"recommendation_count"}).AddRow(4))

	count, err := s.IncrementRecommendationCount(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestPostgresStore_UpcomingEvents(t *testing.T) {
	s, mock := newMockPostgres(t)
	rows := sqlmock.NewRows([]string{
		"id", "title", "description", "date", "time", "location", "neighborhood", "price",
		"mood", "music_type", "image_url", "organizer_id", "active", "created_at",
	}).AddRow("e1", "Jazz Night", "Live jazz", "2026-03-14", "21:00", "Thelonious", "Palermo", "$5000",
		"chill", "jazz", nil, "org-1", true, time.Now())

	mock.ExpectQuery("FROM events WHERE active = TRUE AND date >=").
		WithArgs("2026-03-14", 50).
		WillReturnRows(rows)

	events, err := s.UpcomingEvents(context.Background(), "2026-03-14", 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "jazz", events[0].MusicType)
	assert.Equal(t, "org-1", events[0].OrganizerID)
	assert.Empty(t, events[0].ImageURL)
}

func TestPostgresStore_ArchiveEventsBefore(t *testing.T) {
	s, mock := newMockPostgres(t)
	cutoff := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "date", "time"}).
		AddRow("e1", "2026-03-14", "10:00").
		AddRow("e2", "2026-03-14", "21:00")

	mock.ExpectQuery("SELECT id, date, time FROM events").WithArgs("2026-03-14").WillReturnRows(rows)
	mock.ExpectExec("UPDATE events SET active = FALSE").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.ArchiveEventsBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordInboundDuplicate(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("INSERT INTO inbound_dedup").
		WithArgs("SM1", "+549", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	fresh, err := s.RecordInbound(context.Background(), "SM1", "+549")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestPostgresStore_PurgeDedupBefore(t *testing.T) {
	s, mock := newMockPostgres(t)
	cutoff := time.Date(2026, 3, 7, 5, 15, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM inbound_dedup").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.PurgeDedupBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
