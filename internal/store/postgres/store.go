package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `ticket_id, seq, number, customer_name, phone, service_id, service_name, business_date, status, joined_at, served_at, completed_at, counter_id`

const counterColumns = `counter_id, is_open, current_ticket_id, assigned_staff_id, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ProvisionCounters creates counters 1..count. Existing counters keep their state.
func (s *Store) ProvisionCounters(ctx context.Context, count int) error {
	for id := 1; id <= count; id++ {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO counters (counter_id, is_open, updated_at)
			VALUES ($1, TRUE, NOW())
			ON CONFLICT (counter_id) DO NOTHING
		`, id)
		if err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, name, prefix, color_theme, default_wait_minutes
		FROM services
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ServiceID, &svc.Name, &svc.Prefix, &svc.ColorTheme, &svc.DefaultWaitMinutes); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return services, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	var svc models.Service
	row := s.pool.QueryRow(ctx, `
		SELECT service_id, name, prefix, color_theme, default_wait_minutes
		FROM services
		WHERE service_id = $1
	`, serviceID)
	if err := row.Scan(&svc.ServiceID, &svc.Name, &svc.Prefix, &svc.ColorTheme, &svc.DefaultWaitMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, wrapErr(err)
	}
	return svc, nil
}

func (s *Store) SaveService(ctx context.Context, service models.Service) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (service_id, name, prefix, color_theme, default_wait_minutes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service_id)
		DO UPDATE SET name = EXCLUDED.name,
			prefix = EXCLUDED.prefix,
			color_theme = EXCLUDED.color_theme,
			default_wait_minutes = EXCLUDED.default_wait_minutes
	`, service.ServiceID, service.Name, service.Prefix, service.ColorTheme, service.DefaultWaitMinutes)
	return wrapErr(err)
}

func (s *Store) DeleteService(ctx context.Context, serviceID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM services WHERE service_id = $1`, serviceID)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrServiceNotFound
	}
	return nil
}

// ticketSeqFromNumbers is the highest numeric suffix already stored for
// ($1 service, $2 business date). It seeds a sequence row created after
// tickets were written without one.
const ticketSeqFromNumbers = `(SELECT MAX(substring(number from '[0-9]+$')::int) FROM tickets WHERE service_id = $1 AND business_date = $2)`

func (s *Store) LastTicketSeq(ctx context.Context, serviceID, businessDate string) (int, error) {
	var last int
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT last_seq FROM ticket_sequences WHERE service_id = $1 AND business_date = $2),
			`+ticketSeqFromNumbers+`,
			0)
	`, serviceID, businessDate)
	if err := row.Scan(&last); err != nil {
		return 0, wrapErr(err)
	}
	return last, nil
}

func (s *Store) NextTicketSeq(ctx context.Context, serviceID, businessDate string) (int, error) {
	var next int
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (service_id, business_date, last_seq)
		VALUES ($1, $2, COALESCE(`+ticketSeqFromNumbers+`, 0) + 1)
		ON CONFLICT (service_id, business_date)
		DO UPDATE SET last_seq = ticket_sequences.last_seq + 1
		RETURNING last_seq
	`, serviceID, businessDate)
	if err := row.Scan(&next); err != nil {
		return 0, wrapErr(err)
	}
	return next, nil
}

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, number, customer_name, phone, service_id, service_name,
			business_date, status, joined_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT ON CONSTRAINT tickets_number_unique DO NOTHING
		RETURNING seq
	`, ticket.TicketID, ticket.Number, ticket.CustomerName, ticket.Phone, ticket.ServiceID, ticket.ServiceName,
		ticket.BusinessDate, ticket.Status, ticket.JoinedAt)
	if err := row.Scan(&ticket.Seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrDuplicateNumber
		}
		return models.Ticket{}, wrapErr(err)
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, wrapErr(err)
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, status string) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	var args []interface{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += " ORDER BY joined_at ASC, seq ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return tickets, nil
}

func (s *Store) UpdateTicketStatus(ctx context.Context, change store.StatusChange) (models.Ticket, error) {
	var completedAt *time.Time
	if change.ToStatus == models.StatusCompleted {
		completedAt = change.CompletedAt
	}

	var ticket models.Ticket
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE tickets
			SET status = $1,
				counter_id = COALESCE($2::int, counter_id),
				served_at = COALESCE($3::timestamptz, served_at),
				completed_at = COALESCE($4::timestamptz, completed_at)
			WHERE ticket_id = $5 AND status = $6
			RETURNING `+ticketColumns, change.ToStatus, change.CounterID, change.ServedAt, completedAt, change.TicketID, change.FromStatus)
		var err error
		ticket, err = scanTicket(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ticketMissOrMismatch(ctx, tx, change.TicketID)
		}
		if err != nil {
			return err
		}

		if change.FromStatus == models.StatusServing && ticket.CounterID != nil {
			_, err = tx.Exec(ctx, `
				UPDATE counters SET current_ticket_id = NULL, updated_at = NOW()
				WHERE counter_id = $1 AND current_ticket_id = $2
			`, *ticket.CounterID, ticket.TicketID)
		}
		return err
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// ClaimTicket takes the counter row first so that two claims on the same
// counter serialize there before either touches a ticket.
func (s *Store) ClaimTicket(ctx context.Context, claim store.Claim) (models.Ticket, models.Counter, error) {
	var (
		ticket  models.Ticket
		counter models.Counter
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE counters SET current_ticket_id = $1, updated_at = NOW()
			WHERE counter_id = $2 AND current_ticket_id IS NOT DISTINCT FROM $3::text
			RETURNING `+counterColumns, claim.TicketID, claim.CounterID, claim.ExpectedCurrent)
		var err error
		counter, err = scanCounter(row)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM counters WHERE counter_id = $1)`, claim.CounterID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return store.ErrCounterNotFound
			}
			return store.ErrCounterChanged
		}
		if err != nil {
			return err
		}

		row = tx.QueryRow(ctx, `
			UPDATE tickets SET status = $1, counter_id = $2, served_at = $3
			WHERE ticket_id = $4 AND status = $5
			RETURNING `+ticketColumns, models.StatusServing, claim.CounterID, claim.ServedAt, claim.TicketID, models.StatusWaiting)
		ticket, err = scanTicket(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ticketMissOrMismatch(ctx, tx, claim.TicketID)
		}
		return err
	})
	if err != nil {
		return models.Ticket{}, models.Counter{}, err
	}
	return ticket, counter, nil
}

func (s *Store) DeleteTickets(ctx context.Context, statuses []string) (int, error) {
	var deleted int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			tag pgconn.CommandTag
			err error
		)
		if len(statuses) == 0 {
			tag, err = tx.Exec(ctx, `DELETE FROM tickets`)
			if err == nil {
				_, err = tx.Exec(ctx, `DELETE FROM ticket_sequences`)
			}
		} else {
			tag, err = tx.Exec(ctx, `DELETE FROM tickets WHERE status = ANY($1)`, statuses)
		}
		deleted = int(tag.RowsAffected())
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// withTx runs fn in a transaction, committing only when fn succeeds. Store
// sentinel errors pass through unwrapped.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return wrapErr(err)
	}
	return wrapErr(tx.Commit(ctx))
}

func ticketMissOrMismatch(ctx context.Context, tx pgx.Tx, ticketID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, ticketID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrTicketNotFound
	}
	return store.ErrStatusMismatch
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+counterColumns+` FROM counters ORDER BY counter_id ASC`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return counters, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID int) (models.Counter, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+counterColumns+` FROM counters WHERE counter_id = $1`, counterID)
	return counterResult(scanCounter(row))
}

func (s *Store) ToggleCounter(ctx context.Context, counterID int) (models.Counter, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE counters SET is_open = NOT is_open, updated_at = NOW()
		WHERE counter_id = $1
		RETURNING `+counterColumns, counterID)
	return counterResult(scanCounter(row))
}

func (s *Store) SetCounterTicket(ctx context.Context, counterID int, ticketID *string) (models.Counter, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE counters SET current_ticket_id = $1::text, updated_at = NOW()
		WHERE counter_id = $2
		RETURNING `+counterColumns, ticketID, counterID)
	return counterResult(scanCounter(row))
}

func (s *Store) AssignStaff(ctx context.Context, counterID int, staffID *string) (models.Counter, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Counter{}, wrapErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if staffID != nil {
		if _, err = tx.Exec(ctx, `
			UPDATE counters SET assigned_staff_id = NULL, updated_at = NOW()
			WHERE assigned_staff_id = $1 AND counter_id <> $2
		`, *staffID, counterID); err != nil {
			return models.Counter{}, wrapErr(err)
		}
	}

	row := tx.QueryRow(ctx, `
		UPDATE counters SET assigned_staff_id = $1, updated_at = NOW()
		WHERE counter_id = $2
		RETURNING `+counterColumns, staffID, counterID)
	counter, err := counterResult(scanCounter(row))
	if err != nil {
		return models.Counter{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Counter{}, wrapErr(err)
	}
	return counter, nil
}

func (s *Store) ClearCounters(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE counters SET current_ticket_id = NULL, assigned_staff_id = NULL, updated_at = NOW()
	`)
	return wrapErr(err)
}

func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	var payload []byte
	row := s.pool.QueryRow(ctx, `SELECT payload_json FROM settings WHERE settings_id = 1`)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DefaultSettings(), nil
		}
		return models.Settings{}, wrapErr(err)
	}
	settings := models.DefaultSettings()
	if err := json.Unmarshal(payload, &settings); err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings models.Settings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settings (settings_id, payload_json, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (settings_id)
		DO UPDATE SET payload_json = EXCLUDED.payload_json, updated_at = NOW()
	`, payload)
	return wrapErr(err)
}

func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	row := s.pool.QueryRow(ctx, `SELECT value FROM system_state WHERE key = $1`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, wrapErr(err)
	}
	return value, true, nil
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO system_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	return wrapErr(err)
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var servedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	var counterIDNull sql.NullInt32
	if err := row.Scan(&ticket.TicketID, &ticket.Seq, &ticket.Number, &ticket.CustomerName, &ticket.Phone, &ticket.ServiceID, &ticket.ServiceName,
		&ticket.BusinessDate, &ticket.Status, &ticket.JoinedAt, &servedAtNull, &completedAtNull, &counterIDNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.ServedAt = nullTimePtr(servedAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	if counterIDNull.Valid {
		id := int(counterIDNull.Int32)
		ticket.CounterID = &id
	}
	return ticket, nil
}

func scanCounter(row pgx.Row) (models.Counter, error) {
	var counter models.Counter
	var ticketNull sql.NullString
	var staffNull sql.NullString
	if err := row.Scan(&counter.CounterID, &counter.IsOpen, &ticketNull, &staffNull, &counter.UpdatedAt); err != nil {
		return models.Counter{}, err
	}
	counter.CurrentTicketID = nullStringPtr(ticketNull)
	counter.AssignedStaffID = nullStringPtr(staffNull)
	return counter, nil
}

func counterResult(counter models.Counter, err error) (models.Counter, error) {
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, wrapErr(err)
	}
	return counter, nil
}

// wrapErr marks connectivity failures with store.ErrUnavailable so callers
// can switch to the degraded fallback.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
