package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mailvault/mailvault/internal/models"
)

type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageColumns = `id, sender, recipient, received_at, size_bytes, is_read, tags,
	 subject_enc, text_body_enc, html_body_enc, attachments_enc`

func (s *MessageStore) InsertEncryptedMessage(ctx context.Context, msg *models.EncryptedMessage, tokens []models.TokenEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages
		 (id, sender, recipient, received_at, size_bytes, is_read, tags,
		  subject_enc, text_body_enc, html_body_enc, attachments_enc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.Sender, msg.Recipient, msg.ReceivedAt, msg.SizeBytes, msg.IsRead,
		pq.Array(msg.Tags), msg.SubjectEnc, msg.TextBodyEnc, msg.HTMLBodyEnc, msg.AttachmentsEnc,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert message rows affected: %w", err)
	}
	if inserted == 0 {
		// Redelivered job; the message and its index already committed.
		return tx.Commit()
	}

	if len(tokens) > 0 {
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("search_tokens", "message_id", "token_hash", "token_source"))
		if err != nil {
			return fmt.Errorf("prepare token copy: %w", err)
		}
		for _, token := range tokens {
			if _, err := stmt.ExecContext(ctx, msg.ID, token.TokenHash, token.Source); err != nil {
				stmt.Close()
				return fmt.Errorf("copy token entry: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("flush token copy: %w", err)
		}
		if err := stmt.Close(); err != nil {
			return fmt.Errorf("close token copy: %w", err)
		}
	}

	return tx.Commit()
}

func (s *MessageStore) GetMessageByID(ctx context.Context, id uuid.UUID) (*models.EncryptedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanEncryptedMessage(row)
}

func (s *MessageStore) SearchMessages(ctx context.Context, params models.SearchParams) ([]models.EncryptedMessage, int, error) {
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	for _, group := range params.TokenGroups {
		if len(group) == 0 {
			// A term that normalized to nothing can never match.
			conds = append(conds, "FALSE")
			continue
		}
		conds = append(conds,
			"EXISTS (SELECT 1 FROM search_tokens st WHERE st.message_id = m.id AND st.token_hash = ANY("+arg(pq.Array(group))+"))")
	}
	if sender := strings.TrimSpace(params.Sender); sender != "" {
		conds = append(conds, "m.sender ILIKE "+arg("%"+escapeLikePattern(sender)+"%"))
	}
	if recipient := strings.TrimSpace(params.Recipient); recipient != "" {
		conds = append(conds, "m.recipient ILIKE "+arg("%"+escapeLikePattern(recipient)+"%"))
	}
	if params.IsRead != nil {
		conds = append(conds, "m.is_read = "+arg(*params.IsRead))
	}
	if params.Since != nil {
		conds = append(conds, "m.received_at >= "+arg(*params.Since))
	}
	if params.Until != nil {
		conds = append(conds, "m.received_at < "+arg(*params.Until))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages m"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	query := `SELECT m.id, m.sender, m.recipient, m.received_at, m.size_bytes, m.is_read, m.tags,
		 m.subject_enc, m.text_body_enc, m.html_body_enc, m.attachments_enc
		 FROM messages m` + where +
		" ORDER BY m.received_at DESC, m.id DESC LIMIT " + arg(limit) + " OFFSET " + arg(offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.EncryptedMessage, 0, limit)
	for rows.Next() {
		msg, err := scanEncryptedMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, *msg)
	}
	return messages, total, rows.Err()
}

func (s *MessageStore) SetMessageRead(ctx context.Context, id uuid.UUID, read bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = $2 WHERE id = $1`, id, read)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *MessageStore) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	// Token entries go with the message via ON DELETE CASCADE.
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *MessageStore) CountMessages(ctx context.Context) (int, int, error) {
	var total, unread int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT is_read) FROM messages`,
	).Scan(&total, &unread)
	if err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	return total, unread, nil
}

// escapeLikePattern escapes the LIKE metacharacters in a user-supplied value
// so it matches literally inside an ILIKE pattern. Postgres treats backslash
// as the default escape character.
func escapeLikePattern(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEncryptedMessage(scanner rowScanner) (*models.EncryptedMessage, error) {
	var msg models.EncryptedMessage
	if err := scanner.Scan(
		&msg.ID, &msg.Sender, &msg.Recipient, &msg.ReceivedAt, &msg.SizeBytes, &msg.IsRead,
		pq.Array(&msg.Tags), &msg.SubjectEnc, &msg.TextBodyEnc, &msg.HTMLBodyEnc, &msg.AttachmentsEnc,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}
