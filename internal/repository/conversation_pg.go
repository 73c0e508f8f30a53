package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/pkg/proto"
)

const conversationColumns = `id, type, title, avatar, status, private_key, last_message_id, created_at, updated_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	c := &model.Conversation{}
	err := row.Scan(
		&c.ID,
		&c.Type,
		&c.Title,
		&c.Avatar,
		&c.Status,
		&c.PrivateKey,
		&c.LastMessageID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return c, nil
}

// loadDetails 补齐成员和置顶列表
func (s *PostgresStore) loadDetails(ctx context.Context, q querier, convs ...*model.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	ids := make([]int64, len(convs))
	byID := make(map[int64]*model.Conversation, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
		byID[c.ID] = c
		c.Participants = nil
		c.PinnedIDs = nil
	}

	rows, err := q.Query(ctx, `
		SELECT conversation_id, user_id, last_read_message_id, last_read_at, deleted_at, joined_at
		FROM conversation_participants
		WHERE conversation_id = ANY($1)
		ORDER BY joined_at, user_id
	`, ids)
	if err != nil {
		return err
	}
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.LastReadMessageID, &p.LastReadAt, &p.DeletedAt, &p.JoinedAt); err != nil {
			rows.Close()
			return err
		}
		byID[p.ConversationID].Participants = append(byID[p.ConversationID].Participants, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, `
		SELECT conversation_id, message_id
		FROM pinned_messages
		WHERE conversation_id = ANY($1)
		ORDER BY pinned_at, message_id
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var convID, msgID int64
		if err := rows.Scan(&convID, &msgID); err != nil {
			return err
		}
		byID[convID].PinnedIDs = append(byID[convID].PinnedIDs, msgID)
	}
	return rows.Err()
}

func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadDetails(ctx, s.db, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID int64, offset, limit int) ([]*model.Conversation, bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.type, c.title, c.avatar, c.status, c.private_key, c.last_message_id, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1 AND p.deleted_at IS NULL
		ORDER BY COALESCE(c.last_message_at, c.updated_at) DESC, c.id DESC
		OFFSET $2 LIMIT $3
	`, userID, offset, limit+1)
	if err != nil {
		return nil, false, err
	}

	convs := make([]*model.Conversation, 0, limit)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, false, err
		}
		convs = append(convs, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(convs) > limit
	if hasMore {
		convs = convs[:limit]
	}
	if err := s.loadDetails(ctx, s.db, convs...); err != nil {
		return nil, false, err
	}
	return convs, hasMore, nil
}

func (s *PostgresStore) FindOrCreatePrivate(ctx context.Context, newID, userA, userB int64, now time.Time) (*model.Conversation, bool, error) {
	key := model.PrivateKey(userA, userB)

	var created bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		// 唯一键冲突说明并发请求已创建，按已有会话返回
		tag, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, type, status, private_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (private_key) DO NOTHING
		`, newID, proto.ConversationPrivate, proto.StatusActive, key, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES ($1, $2, $4), ($1, $3, $4)
		`, newID, userA, userB, now)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	c, err := scanConversation(s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE private_key = $1`, key))
	if err != nil {
		return nil, false, err
	}
	if err := s.loadDetails(ctx, s.db, c); err != nil {
		return nil, false, err
	}
	return c, created, nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, conv *model.Conversation) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, type, title, avatar, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, conv.ID, conv.Type, conv.Title, conv.Avatar, conv.Status, conv.CreatedAt, conv.UpdatedAt)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, p := range conv.Participants {
			batch.Queue(`
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
				VALUES ($1, $2, $3)
			`, conv.ID, p.UserID, p.JoinedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) SoftDelete(ctx context.Context, conversationID, userID int64, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversation_participants SET deleted_at = $3
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *PostgresStore) AdvanceReadPointer(ctx context.Context, conversationID, userID, messageID int64, at time.Time) (bool, *model.Participant, error) {
	var p model.Participant
	// 条件更新保证指针单调：只有更新的消息才能推进
	err := s.db.QueryRow(ctx, `
		UPDATE conversation_participants
		SET last_read_message_id = $3, last_read_at = $4
		WHERE conversation_id = $1 AND user_id = $2 AND last_read_message_id < $3
		RETURNING conversation_id, user_id, last_read_message_id, last_read_at, deleted_at, joined_at
	`, conversationID, userID, messageID, at).Scan(
		&p.ConversationID, &p.UserID, &p.LastReadMessageID, &p.LastReadAt, &p.DeletedAt, &p.JoinedAt)
	if err == nil {
		return true, &p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, err
	}

	err = s.db.QueryRow(ctx, `
		SELECT conversation_id, user_id, last_read_message_id, last_read_at, deleted_at, joined_at
		FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(
		&p.ConversationID, &p.UserID, &p.LastReadMessageID, &p.LastReadAt, &p.DeletedAt, &p.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil, ErrConversationNotFound
		}
		return false, nil, err
	}
	return false, &p, nil
}

func (s *PostgresStore) AddPin(ctx context.Context, conversationID, messageID, userID int64, at time.Time, limit int) (bool, error) {
	var added bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		// 锁住会话行，串行化同一会话的置顶计数
		if _, err := tx.Exec(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID); err != nil {
			return err
		}

		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2 AND NOT deleted)
		`, messageID, conversationID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrMessageNotFound
		}

		if limit > 0 {
			var count int
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM pinned_messages WHERE conversation_id = $1`, conversationID).Scan(&count); err != nil {
				return err
			}
			var already bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM pinned_messages WHERE conversation_id = $1 AND message_id = $2)
			`, conversationID, messageID).Scan(&already); err != nil {
				return err
			}
			if !already && count >= limit {
				return ErrPinLimitReached
			}
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO pinned_messages (conversation_id, message_id, pinned_by, pinned_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, conversationID, messageID, userID, at)
		if err != nil {
			return err
		}
		added = tag.RowsAffected() > 0
		if !added {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE messages SET is_pin = TRUE WHERE id = $1`, messageID)
		return err
	})
	return added, err
}

func (s *PostgresStore) RemovePin(ctx context.Context, conversationID, messageID int64) (bool, error) {
	var removed bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM pinned_messages WHERE conversation_id = $1 AND message_id = $2
		`, conversationID, messageID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected() > 0
		if !removed {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE messages SET is_pin = FALSE WHERE id = $1`, messageID)
		return err
	})
	return removed, err
}
