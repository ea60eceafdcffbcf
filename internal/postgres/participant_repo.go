package postgres

import (
	"context"
	"time"

	"github.com/typequest/race-service/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

type ParticipantRepository struct {
	db *pgxpool.Pool
}

func NewParticipantRepository(db *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

func (r *ParticipantRepository) CountInRoom(ctx context.Context, roomID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM race_participants WHERE room_id=$1`, roomID).Scan(&count)
	return count, err
}

func (r *ParticipantRepository) Exists(ctx context.Context, roomID string, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM race_participants WHERE room_id=$1 AND user_id=$2)`,
		roomID, userID).Scan(&exists)
	return exists, err
}

// Join locks the room row so two parallel joins cannot overshoot the
// participant limit, and refuses rooms that already left the waiting state.
func (r *ParticipantRepository) Join(ctx context.Context, p *domain.Participant, maxParticipants int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var mp int64
	var status domain.RoomStatus
	if err := tx.QueryRow(ctx,
		`SELECT max_participants, status FROM race_rooms WHERE id=$1 FOR UPDATE`,
		p.RoomID).Scan(&mp, &status); err != nil {
		return err
	}
	if status != domain.RoomWaiting {
		return domain.ErrRoomClosed
	}
	if mp > 0 {
		maxParticipants = mp
	}

	var count int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM race_participants WHERE room_id=$1`, p.RoomID).Scan(&count); err != nil {
		return err
	}
	if count >= maxParticipants {
		return domain.ErrRoomFull
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO race_participants (room_id, user_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE
		SET status=EXCLUDED.status, progress=0, wpm=0, accuracy=0, last_seen=now()
	`, p.RoomID, p.UserID, p.Status); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *ParticipantRepository) Leave(ctx context.Context, roomID string, userID int64) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM race_participants WHERE room_id=$1 AND user_id=$2`, roomID, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotInRoom
	}

	return nil
}

func (r *ParticipantRepository) ListByRoom(ctx context.Context, roomID string) ([]domain.Participant, error) {
	rows, err := r.db.Query(ctx, `
		SELECT room_id, user_id, status, progress, wpm, accuracy, joined_at, last_seen
		FROM race_participants WHERE room_id=$1 ORDER BY joined_at ASC`,
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.RoomID, &p.UserID, &p.Status, &p.Progress, &p.WPM, &p.Accuracy, &p.JoinedAt, &p.LastSeen); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, nil
}

func (r *ParticipantRepository) UpdateStatus(ctx context.Context, roomID string, userID int64, status domain.ParticipantStatus) error {
	cmd, err := r.db.Exec(ctx,
		`UPDATE race_participants SET status=$3, last_seen=now() WHERE room_id=$1 AND user_id=$2`,
		roomID, userID, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotInRoom
	}
	return nil
}

// UpdateStatusAll flips every still-connected participant of a room at once,
// used when the race starts and the whole waiting set becomes racing.
func (r *ParticipantRepository) UpdateStatusAll(ctx context.Context, roomID string, status domain.ParticipantStatus) error {
	_, err := r.db.Exec(ctx, `
		UPDATE race_participants SET status=$2
		WHERE room_id=$1 AND status <> 'disconnected'`,
		roomID, status)
	return err
}

func (r *ParticipantRepository) UpdateProgress(ctx context.Context, roomID string, userID int64, progress, wpm, accuracy float64) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE race_participants
		SET progress=$3, wpm=$4, accuracy=$5, last_seen=now()
		WHERE room_id=$1 AND user_id=$2`,
		roomID, userID, progress, wpm, accuracy)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotInRoom
	}
	return nil
}

func (r *ParticipantRepository) TouchHeartbeat(ctx context.Context, roomID string, userID int64) error {
	cmd, err := r.db.Exec(ctx,
		`UPDATE race_participants SET last_seen=now() WHERE room_id=$1 AND user_id=$2`,
		roomID, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotInRoom
	}
	return nil
}

type ParticipantDetailedRow struct {
	UserID      int64
	DisplayName *string
	AvatarURL   *string
	Status      domain.ParticipantStatus
	Progress    float64
	WPM         float64
	Accuracy    float64
	JoinedAt    time.Time
	LastSeen    time.Time
}

// ListDetailed joins the users table for display profiles. activeWithin is
// the online window; participants with stale last_seen are skipped.
func (r *ParticipantRepository) ListDetailed(ctx context.Context, roomID string, activeWithin time.Duration) ([]ParticipantDetailedRow, error) {
	secs := int64(activeWithin / time.Second)

	const q = `
SELECT m.user_id,
       u.display_name,
       u.avatar_url,
       m.status,
       m.progress,
       m.wpm,
       m.accuracy,
       m.joined_at,
       m.last_seen
FROM public.race_participants AS m
JOIN public.users AS u ON u.id = m.user_id
WHERE m.room_id = $1
  AND m.last_seen > NOW() - ($2::int * INTERVAL '1 second')
ORDER BY u.display_name NULLS LAST, m.joined_at;
`
	rows, err := r.db.Query(ctx, q, roomID, secs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ParticipantDetailedRow, 0, 16)
	for rows.Next() {
		var row ParticipantDetailedRow
		if err := rows.Scan(
			&row.UserID,
			&row.DisplayName,
			&row.AvatarURL,
			&row.Status,
			&row.Progress,
			&row.WPM,
			&row.Accuracy,
			&row.JoinedAt,
			&row.LastSeen,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}

	return out, rows.Err()
}
