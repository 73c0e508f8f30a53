package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/pkg/proto"
)

const messageColumns = `id, conversation_id, sender_id, text, media, is_pin, deleted, created_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Text,
		&m.Media,
		&m.IsPin,
		&m.Deleted,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]*model.Message, error) {
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		media := msg.Media
		if media == nil {
			media = []proto.Media{}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, text, media, is_pin, deleted, created_at)
			VALUES ($1, $2, $3, $4, $5, FALSE, FALSE, $6)
		`, msg.ID, msg.ConversationID, msg.SenderID, msg.Text, media, msg.CreatedAt)
		if err != nil {
			return err
		}

		// 只有更新的消息才能成为最后一条
		tag, err := tx.Exec(ctx, `
			UPDATE conversations
			SET last_message_id = CASE WHEN last_message_id IS NULL OR last_message_id < $2 THEN $2 ELSE last_message_id END,
			    last_message_at = CASE WHEN last_message_id IS NULL OR last_message_id < $2 THEN $3 ELSE last_message_at END,
			    updated_at = $3
			WHERE id = $1
		`, msg.ConversationID, msg.ID, msg.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConversationNotFound
		}

		_, err = tx.Exec(ctx, `
			UPDATE conversation_participants SET deleted_at = NULL
			WHERE conversation_id = $1 AND deleted_at IS NOT NULL
		`, msg.ConversationID)
		return err
	})
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 AND NOT deleted`, id))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) GetMessages(ctx context.Context, ids []int64) ([]*model.Message, error) {
	if len(ids) == 0 {
		return []*model.Message{}, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ANY($1) AND NOT deleted`, ids)
	if err != nil {
		return nil, err
	}
	found, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// 保持调用方给定的顺序（置顶顺序）
	byID := make(map[int64]*model.Message, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	out := make([]*model.Message, 0, len(found))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID, before int64, limit int) ([]*model.Message, bool, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before > 0 {
		rows, err = s.db.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND NOT deleted AND id < $2
			ORDER BY id DESC LIMIT $3
		`, conversationID, before, limit+1)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND NOT deleted
			ORDER BY id DESC LIMIT $2
		`, conversationID, limit+1)
	}
	if err != nil {
		return nil, false, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	// 倒序取出，升序返回
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	return msgs, hasMore, nil
}

func (s *PostgresStore) SearchMessages(ctx context.Context, conversationID int64, query string, limit int) ([]*model.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND NOT deleted AND text ILIKE '%' || $2 || '%'
		ORDER BY id DESC LIMIT $3
	`, conversationID, escapeLike(query), limit)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	return msgs, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, conversationID, messageID int64, at time.Time) (*model.Message, error) {
	var last *model.Message
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE messages SET deleted = TRUE, is_pin = FALSE
			WHERE id = $1 AND conversation_id = $2 AND NOT deleted
		`, messageID, conversationID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrMessageNotFound
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM pinned_messages WHERE conversation_id = $1 AND message_id = $2
		`, conversationID, messageID); err != nil {
			return err
		}

		last, err = scanMessage(tx.QueryRow(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND NOT deleted
			ORDER BY id DESC LIMIT 1
		`, conversationID))
		if err != nil && !errors.Is(err, ErrMessageNotFound) {
			return err
		}

		var lastID *int64
		var lastAt *time.Time
		if last != nil {
			lastID, lastAt = &last.ID, &last.CreatedAt
		}
		_, err = tx.Exec(ctx, `
			UPDATE conversations SET last_message_id = $2, last_message_at = $3, updated_at = $4
			WHERE id = $1
		`, conversationID, lastID, lastAt, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (s *PostgresStore) LatestMessage(ctx context.Context, conversationID int64) (*model.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND NOT deleted
		ORDER BY id DESC LIMIT 1
	`, conversationID))
	if errors.Is(err, ErrMessageNotFound) {
		return nil, nil
	}
	return m, err
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
